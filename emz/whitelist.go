package emz

import (
	"bufio"
	"os"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/emyzelium/emyzelium-go/key"
)

// readWhitelistKeys parses a whitelist file: one key per line, the key being
// the first key.Len characters of the line after trimming the trailing
// newline. Lines shorter than key.Len after trimming are ignored.
func readWhitelistKeys(path string) (mapset.Set[string], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := mapset.NewThreadUnsafeSet[string]()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < key.Len {
			continue
		}
		out.Add(key.Normalize(line[:key.Len]))
	}
	return out, scanner.Err()
}

// readBeaconWhitelistWithComments parses the catalogue's beacon whitelist
// format: the key occupies the first key.Len characters of the line; any
// text from position key.Len+1 onward (i.e. after a one-character separator)
// is a free-form display comment. Lines shorter than key.Len are ignored.
func readBeaconWhitelistWithComments(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < key.Len {
			continue
		}
		k := key.Normalize(line[:key.Len])
		comment := ""
		if len(line) > key.Len+1 {
			comment = line[key.Len+1:]
		}
		out[k] = comment
	}
	return out, scanner.Err()
}
