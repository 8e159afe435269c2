package device

import (
	"sort"
	"strings"
)

// SelectionOptions are the device requirements attached to a command.
// The zero value matches every device.
type SelectionOptions struct {
	Serials        []string
	ExcludeSerials []string
	ProductTypes   []string
}

// AddSerial requires the device to be one of the given serials.
func (o *SelectionOptions) AddSerial(serial string) {
	if s := strings.TrimSpace(serial); s != "" {
		o.Serials = append(o.Serials, s)
	}
}

// AddExcludeSerial forbids the given serial.
func (o *SelectionOptions) AddExcludeSerial(serial string) {
	if s := strings.TrimSpace(serial); s != "" {
		o.ExcludeSerials = append(o.ExcludeSerials, s)
	}
}

// Matches reports whether a device with the given serial and meta satisfies
// the options.
func (o SelectionOptions) Matches(serial string, meta Meta) bool {
	serial = strings.TrimSpace(serial)
	if len(o.Serials) > 0 && !containsFold(o.Serials, serial, false) {
		return false
	}
	if containsFold(o.ExcludeSerials, serial, false) {
		return false
	}
	if len(o.ProductTypes) > 0 && !containsFold(o.ProductTypes, meta.ProductType, true) {
		return false
	}
	return true
}

// String renders the options for logs.
func (o SelectionOptions) String() string {
	parts := make([]string, 0, 3)
	if len(o.Serials) > 0 {
		parts = append(parts, "serials="+strings.Join(o.Serials, ","))
	}
	if len(o.ExcludeSerials) > 0 {
		parts = append(parts, "exclude="+strings.Join(o.ExcludeSerials, ","))
	}
	if len(o.ProductTypes) > 0 {
		parts = append(parts, "products="+strings.Join(o.ProductTypes, ","))
	}
	if len(parts) == 0 {
		return "any"
	}
	return strings.Join(parts, " ")
}

func containsFold(values []string, target string, fold bool) bool {
	target = strings.TrimSpace(target)
	if target == "" {
		return false
	}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == target || (fold && strings.EqualFold(v, target)) {
			return true
		}
	}
	return false
}

// ParseSerialList splits a comma/semicolon/whitespace separated serial list.
func ParseSerialList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', '\n', '\r', '\t', ' ', '|':
			return true
		default:
			return false
		}
	})
	return normalizeSerials(parts)
}

func normalizeSerials(serials []string) []string {
	if len(serials) == 0 {
		return nil
	}
	out := make([]string, 0, len(serials))
	seen := make(map[string]struct{}, len(serials))
	for _, serial := range serials {
		trimmed := strings.TrimSpace(serial)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func buildSerialSet(serials []string) map[string]struct{} {
	serials = normalizeSerials(serials)
	if len(serials) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(serials))
	for _, serial := range serials {
		set[serial] = struct{}{}
	}
	return set
}

func sortedSerials[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for serial := range m {
		out = append(out, serial)
	}
	sort.Strings(out)
	return out
}
