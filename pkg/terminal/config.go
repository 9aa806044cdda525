package terminal

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/ptdbg/ptdbg/pkg/config"
)

func configureCmd(t *Term, args string) error {
	switch args {
	case "-list":
		return configureList(t)
	case "-save":
		return config.SaveConfig(t.conf)
	case "":
		return fmt.Errorf("wrong number of arguments to \"config\"")
	default:
		return configureSet(t, args)
	}
}

// configField is a settable configuration parameter, named by its yaml
// key.
type configField struct {
	name  string
	value reflect.Value
}

func configFields(conf *config.Config) []configField {
	v := reflect.ValueOf(conf).Elem()
	fields := make([]configField, 0, v.NumField())
	for i := 0; i < v.NumField(); i++ {
		name, _, _ := strings.Cut(v.Type().Field(i).Tag.Get("yaml"), ",")
		if name == "" {
			continue
		}
		fields = append(fields, configField{name, v.Field(i)})
	}
	return fields
}

func lookupConfigField(conf *config.Config, name string) (reflect.Value, bool) {
	for _, f := range configFields(conf) {
		if f.name == name {
			return f.value, true
		}
	}
	return reflect.Value{}, false
}

func configureList(t *Term) error {
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for _, f := range configFields(t.conf) {
		if f.name == "aliases" {
			continue
		}
		fmt.Fprintf(w, "%s\t%v\n", f.name, f.value)
	}
	return w.Flush()
}

func configureSet(t *Term, args string) error {
	v := split2PartsBySpace(args)

	cfgname := v[0]
	var rest string
	if len(v) == 2 {
		rest = v[1]
	}

	if cfgname == "alias" {
		return configureSetAlias(t, rest)
	}

	field, ok := lookupConfigField(t.conf, cfgname)
	if !ok {
		return fmt.Errorf("%q is not a configuration parameter", cfgname)
	}

	switch field.Kind() {
	case reflect.Int:
		n, err := strconv.Atoi(rest)
		if err != nil {
			return fmt.Errorf("argument to %q must be a number", cfgname)
		}
		if n <= 0 {
			return fmt.Errorf("argument to %q must be a number greater than zero", cfgname)
		}
		field.SetInt(int64(n))
	case reflect.Bool:
		field.SetBool(rest == "true")
	case reflect.String:
		if cfgname == "disassemble-flavor" && rest != "intel" && rest != "gnu" {
			return fmt.Errorf("argument to %q must be intel or gnu", cfgname)
		}
		field.SetString(rest)
	default:
		return fmt.Errorf("unsupported type for configuration key %q", cfgname)
	}
	return nil
}

func configureSetAlias(t *Term, rest string) error {
	argv := config.SplitQuotedFields(rest, '"')
	switch len(argv) {
	case 1:
		// config alias <alias> drops the alias wherever it is defined
		for cmd, aliases := range t.conf.Aliases {
			kept := aliases[:0]
			for _, a := range aliases {
				if a != argv[0] {
					kept = append(kept, a)
				}
			}
			t.conf.Aliases[cmd] = kept
		}
	case 2:
		cmd, alias := argv[0], argv[1]
		if t.conf.Aliases == nil {
			t.conf.Aliases = make(map[string][]string)
		}
		t.conf.Aliases[cmd] = append(t.conf.Aliases[cmd], alias)
	default:
		return fmt.Errorf("wrong number of arguments to \"config alias\"")
	}
	t.cmds.Merge(t.conf.Aliases)
	return nil
}
