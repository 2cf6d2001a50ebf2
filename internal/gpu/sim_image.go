package gpu

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// simImageMagic prefixes every simulator code object.
var simImageMagic = []byte("KBSIMIMG\x00\x01\n")

type simManifest struct {
	Arch    string     `yaml:"arch"`
	Source  string     `yaml:"source"`
	Entries []simEntry `yaml:"entries"`
}

type simEntry struct {
	Name   string   `yaml:"name"`
	Params []string `yaml:"params"`
}

func encodeSimImage(m simManifest) ([]byte, error) {
	body, err := yaml.Marshal(&m)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, simImageMagic...), body...), nil
}

func decodeSimImage(image []byte) (*simManifest, error) {
	if !bytes.HasPrefix(image, simImageMagic) {
		return nil, fmt.Errorf("%w: missing code object header", ErrInvalidImage)
	}
	var m simManifest
	if err := yaml.Unmarshal(image[len(simImageMagic):], &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return &m, nil
}

func (e simEntry) kinds() ([]ParamKind, error) {
	kinds := make([]ParamKind, len(e.Params))
	for i, p := range e.Params {
		k, err := ParseParamKind(p)
		if err != nil {
			return nil, err
		}
		kinds[i] = k
	}
	return kinds, nil
}

func entryFor(name string, kinds []ParamKind) simEntry {
	e := simEntry{Name: name, Params: make([]string, len(kinds))}
	for i, k := range kinds {
		e.Params[i] = k.String()
	}
	return e
}
