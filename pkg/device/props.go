package device

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// Well-known getprop keys used to fill Meta.
const (
	PropBuildRelease  = "ro.build.version.release"
	PropProductDevice = "ro.product.device"
	PropBuildProduct  = "ro.build.product"
)

// propLine matches a single getprop line, such as "[gsm.sim.operator.numeric]: []".
var propLine = regexp.MustCompile(`^\[(.*)\]: \[(.*)\]$`)

// ParseProps parses `getprop` output. Lines that do not look like a property
// are logged and skipped.
func ParseProps(output string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		m := propLine.FindStringSubmatch(line)
		if m == nil {
			log.Warn().Str("line", line).Msg("failed to parse getprop line")
			continue
		}
		props[m[1]] = m[2]
	}
	return props
}

// ProductType picks the product name from parsed props.
func ProductType(props map[string]string) string {
	if v := strings.TrimSpace(props[PropProductDevice]); v != "" {
		return v
	}
	return strings.TrimSpace(props[PropBuildProduct])
}
