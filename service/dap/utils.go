package dap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// min returns the lowest-valued integer
// between the two passed into it.
func min(i, j int) int {
	if i < j {
		return i
	}
	return j
}

// unmarshalArgs converts the arguments of a launch or attach request to
// the struct type object. output must be a pointer to the struct object.
func unmarshalArgs(input interface{}, output interface{}) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(input); err != nil {
		return err
	}
	if err := json.NewDecoder(buf).Decode(output); err != nil && err != io.EOF {
		if uerr, ok := err.(*json.UnmarshalTypeError); ok {
			// Format json.UnmarshalTypeError error string in our own way. E.g.,
			//   "json: cannot unmarshal number into Go struct field LaunchConfig.program of type string"
			//   => "cannot unmarshal number into 'program' of type string"
			return fmt.Errorf("cannot unmarshal %v into %q of type %v", uerr.Value, uerr.Field, uerr.Type.String())
		}
		return err
	}
	return nil
}

// memoryReference formats addr the way it is exchanged with the client.
func memoryReference(addr uint64) string {
	return fmt.Sprintf("%#x", addr)
}

// parseMemoryReference parses a memory reference received from the
// client and applies offset to it.
func parseMemoryReference(ref string, offset int) (uint64, error) {
	ref = strings.TrimSpace(ref)
	base := 10
	if strings.HasPrefix(ref, "0x") || strings.HasPrefix(ref, "0X") {
		ref, base = ref[2:], 16
	}
	addr, err := strconv.ParseUint(ref, base, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory reference %q", ref)
	}
	return uint64(int64(addr) + int64(offset)), nil
}
