package proc

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// MemoryMap is one line of /proc/<pid>/maps.
type MemoryMap struct {
	Start, End uint64
	Perms      string
	Offset     uint64
	Path       string
}

// ParseMaps parses the contents of a /proc/<pid>/maps file.
func ParseMaps(r io.Reader) ([]MemoryMap, error) {
	var maps []MemoryMap
	s := bufio.NewScanner(r)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 5 {
			continue
		}
		rng := strings.SplitN(fields[0], "-", 2)
		if len(rng) != 2 {
			return nil, fmt.Errorf("malformed maps line %q", s.Text())
		}
		start, err := strconv.ParseUint(rng[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed maps line %q: %v", s.Text(), err)
		}
		end, err := strconv.ParseUint(rng[1], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed maps line %q: %v", s.Text(), err)
		}
		off, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed maps line %q: %v", s.Text(), err)
		}
		m := MemoryMap{Start: start, End: end, Perms: fields[1], Offset: off}
		if len(fields) >= 6 {
			m.Path = strings.Join(fields[5:], " ")
		}
		maps = append(maps, m)
	}
	return maps, s.Err()
}

// FindLoadBase returns the start of the first mapping of exe at file
// offset zero. If no mapping has exactly that path the basename is
// compared against comm, the kernel's (possibly truncated) process name.
func FindLoadBase(maps []MemoryMap, exe, comm string) (uint64, bool) {
	for _, m := range maps {
		if m.Offset == 0 && exe != "" && m.Path == exe {
			return m.Start, true
		}
	}
	if comm == "" {
		return 0, false
	}
	for _, m := range maps {
		if m.Offset == 0 && m.Path != "" && strings.HasPrefix(filepath.Base(m.Path), comm) {
			return m.Start, true
		}
	}
	return 0, false
}

// LoadBase reads /proc/<pid>/maps and returns the address at which the
// main executable of pid is mapped.
func LoadBase(pid int) (uint64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	maps, err := ParseMaps(f)
	if err != nil {
		return 0, err
	}
	exe, _ := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	var comm string
	if b, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid)); err == nil {
		comm = strings.TrimSpace(string(b))
	}
	base, ok := FindLoadBase(maps, exe, comm)
	if !ok {
		return 0, fmt.Errorf("could not find executable mapping of process %d", pid)
	}
	return base, nil
}
