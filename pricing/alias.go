package pricing

import "regexp"

var (
	dateSuffixRe = regexp.MustCompile(`^(.+)-(\d{8})$`)
	dashPairRe   = regexp.MustCompile(`-(\d+)-(\d+)-`)
	dotPairRe    = regexp.MustCompile(`\.(\d+)\.(\d+)\.`)
)

// GenerateAliases produces every spelling of a model key that spec.md
// §4.5 says should resolve to the same price: the key itself, the key
// with a trailing `-YYYYMMDD` date stripped, and dash/dot variants of a
// numeric version segment (`-3-5-` ↔ `.3.5.`) in either direction.
func GenerateAliases(key string) []string {
	forms := map[string]bool{key: true}

	if m := dateSuffixRe.FindStringSubmatch(key); m != nil {
		forms[m[1]] = true
	}

	for base := range snapshotKeys(forms) {
		if dotted := dashPairRe.ReplaceAllString(base, ".$1.$2."); dotted != base {
			forms[dotted] = true
		}
		if dashed := dotPairRe.ReplaceAllString(base, "-$1-$2-"); dashed != base {
			forms[dashed] = true
		}
	}

	out := make([]string, 0, len(forms))
	for f := range forms {
		out = append(out, f)
	}
	return out
}

func snapshotKeys(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}
