// Package configwriter renders the RBD configuration file described in
// spec.md §6: two fixed top-level stanzas plus one `resource <uuid>`
// stanza with a nested `on <hostname>` block per host. The format is
// small and fixed, so this is a literal string builder rather than a
// templating dependency.
package configwriter

import (
	"fmt"
	"strings"

	"github.com/loopholelabs/rbdbroker/internal/rbdmodel"
)

// Render returns the configuration file contents for mc.
func Render(mc rbdmodel.MirrorConfig) string {
	var b strings.Builder

	b.WriteString("global {\n\tusage-count no;\n}\n\n")
	b.WriteString("common {\n\tprotocol C;\n}\n\n")

	fmt.Fprintf(&b, "resource %s {\n", mc.UUID)

	for _, host := range mc.Hosts {
		fmt.Fprintf(&b, "\ton %s {\n", host.Name)
		fmt.Fprintf(&b, "\t\tdevice\t\t\t%s;\n", host.DevicePath)
		fmt.Fprintf(&b, "\t\tdisk\t\t\t%s;\n", host.BackingDisk)
		fmt.Fprintf(&b, "\t\taddress\t\t\t%s;\n", host.Endpoint)
		fmt.Fprintf(&b, "\t\tflexible-meta-disk\t%s;\n", host.MetaDisk)
		b.WriteString("\t}\n")
	}

	b.WriteString("}\n")

	return b.String()
}
