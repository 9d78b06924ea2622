package banner

import (
	"fmt"
	"io"
	"strings"
)

const logo = `
======================================================================
            _ _                   _
   ___ __ _| | | ___ __ _ _ __ | |_ _   _ _ __ ___
  / __/ _` + "`" + ` | | |/ __/ _` + "`" + ` | '_ \| __| | | | '__/ _ \
 | (_| (_| | | | (_| (_| | |_) | |_| |_| | | |  __/
  \___\__,_|_|_|\___\__,_| .__/ \__|\__,_|_|  \___|
                         |_|
----------------------------------------------------------------------`

const footer = `======================================================================`

// ConfigLine represents a single configuration line to display
type ConfigLine struct {
	Label string
	Value string
}

// Print writes the startup banner with the service name and an aligned
// configuration summary.
func Print(w io.Writer, serviceName string, config []ConfigLine) {
	fmt.Fprintln(w, logo)
	fmt.Fprintf(w, "%s\n", serviceName)

	width := 0
	for _, c := range config {
		width = max(width, len(c.Label))
	}

	for _, c := range config {
		value := c.Value
		if value == "" {
			value = "-"
		}
		fmt.Fprintf(w, "  %s%s : %s\n", c.Label, strings.Repeat(" ", width-len(c.Label)), value)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Ready.")
	fmt.Fprintln(w, footer)
	fmt.Fprintln(w)
}
