package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"bgg-roller/internal/models"
)

type relaysFile struct {
	Relays []models.Endpoint `yaml:"relays"`
}

// DefaultRelays is the built-in public relay table, in priority order.
func DefaultRelays() []models.Endpoint {
	return []models.Endpoint{
		{Name: "corsproxy.io", URLTemplate: "https://corsproxy.io/?url=", EncodeTarget: true, Shape: models.ShapeRawText},
		{Name: "allorigins-raw", URLTemplate: "https://api.allorigins.win/raw?url=", EncodeTarget: true, Shape: models.ShapeRawText, OmitUserAgent: true},
		{Name: "allorigins-get", URLTemplate: "https://api.allorigins.win/get?url=", EncodeTarget: true, Shape: models.ShapeJSONWrapped, OmitUserAgent: true},
		{Name: "codetabs", URLTemplate: "https://api.codetabs.com/v1/proxy?quest=", EncodeTarget: true, Shape: models.ShapeRawText},
		{Name: "thingproxy", URLTemplate: "https://thingproxy.freeboard.io/fetch/", EncodeTarget: false, Shape: models.ShapeRawText},
		{Name: "cors.lol", URLTemplate: "https://api.cors.lol/?url=", EncodeTarget: true, Shape: models.ShapeRawText},
		{Name: "whateverorigin", URLTemplate: "https://whateverorigin.org/get?url=", EncodeTarget: true, Shape: models.ShapeJSONWrapped},
		{Name: "cors-anywhere", URLTemplate: "https://cors-anywhere.herokuapp.com/", EncodeTarget: false, Shape: models.ShapeRawText},
	}
}

// LoadRelaysFile reads a YAML relay table of the form
//
//	relays:
//	  - name: corsproxy.io
//	    url: https://corsproxy.io/?url=
//	    encode: true
//	    shape: raw
func LoadRelaysFile(path string) ([]models.Endpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read relays file %s", path)
	}

	var f relaysFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "parse relays file %s", path)
	}

	normalizeRelays(f.Relays)
	if err := ValidateRelays(f.Relays); err != nil {
		return nil, errors.Wrapf(err, "relays file %s", path)
	}
	return f.Relays, nil
}

func normalizeRelays(relays []models.Endpoint) {
	for i := range relays {
		relays[i].Name = strings.TrimSpace(relays[i].Name)
		relays[i].URLTemplate = strings.TrimSpace(relays[i].URLTemplate)
		if relays[i].Shape == "" {
			relays[i].Shape = models.ShapeRawText
		}
	}
}

func ValidateRelays(relays []models.Endpoint) error {
	if len(relays) == 0 {
		return errors.New("no relays defined")
	}
	seen := make(map[string]bool, len(relays))
	for i, r := range relays {
		if r.Name == "" {
			return errors.Errorf("relay[%d]: name is required", i)
		}
		if seen[r.Name] {
			return errors.Errorf("relay[%d]: duplicate name %q", i, r.Name)
		}
		seen[r.Name] = true
		if !strings.HasPrefix(r.URLTemplate, "http://") && !strings.HasPrefix(r.URLTemplate, "https://") {
			return errors.Errorf("relay %q: url must start with http:// or https://", r.Name)
		}
		if r.Shape != models.ShapeRawText && r.Shape != models.ShapeJSONWrapped {
			return errors.Errorf("relay %q: shape must be %q or %q", r.Name, models.ShapeRawText, models.ShapeJSONWrapped)
		}
	}
	return nil
}
