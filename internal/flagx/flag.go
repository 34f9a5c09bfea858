// Package flagx lets each config layer parse only the command-line flags it
// owns, so the JSON layer and the flag layer can read os.Args independently.
package flagx

import (
	"flag"
	"io"
	"strings"
)

// name strips the leading dashes and any "=value" suffix from arg.
func name(arg string) string {
	n := strings.TrimLeft(arg, "-")
	if i := strings.IndexByte(n, '='); i >= 0 {
		n = n[:i]
	}
	return n
}

// FilterArgs keeps the arguments of the flags listed in allowed and drops the
// rest. Flags match with one or two dashes, so "-c" in allowed also keeps
// "--c". A value is kept either inline (-f=v) or as the following argument
// when that argument is not itself a flag.
func FilterArgs(args []string, allowed []string) []string {
	names := make(map[string]struct{}, len(allowed))
	for _, f := range allowed {
		names[name(f)] = struct{}{}
	}

	filtered := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		if _, ok := names[name(arg)]; !ok {
			continue
		}

		filtered = append(filtered, arg)
		if strings.Contains(arg, "=") {
			continue
		}
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			filtered = append(filtered, args[i+1])
			i++
		}
	}

	return filtered
}

// ConfigPath returns the JSON config file named by -c or -config in args, or
// "" when neither is given. The last occurrence wins.
func ConfigPath(args []string) string {
	var path string

	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&path, "config", "", "path to a JSON config file")
	fs.StringVar(&path, "c", "", "path to a JSON config file (short)")
	_ = fs.Parse(FilterArgs(args, []string{"-c", "-config"}))

	return path
}
