// Package units formats sizes for log output
package units

import "fmt"

var sizeUnits = []string{"B", "kB", "MB", "GB", "TB", "PB", "EB"}

// HumanSize returns the size in decimal units with three decimal places
func HumanSize(size float64) string {
	i := 0
	for size >= 1000 && i < len(sizeUnits)-1 {
		size = size / 1000
		i++
	}
	return fmt.Sprintf("%.3f%s", size, sizeUnits[i])
}
