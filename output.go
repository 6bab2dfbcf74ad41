package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// plotLosses draws a crude vertical bar chart of the validation losses, one
// column per evaluation, scaled so the worst loss fills the chart.
func plotLosses(w io.Writer, values []float64) {
	const height = 10 // number of text rows
	n := len(values)
	if n == 0 {
		fmt.Fprintln(w, "no data to plot")
		return
	}
	top := floats.Max(values)
	if top <= 0 {
		top = 1
	}
	var b strings.Builder
	for row := height; row >= 1; row-- {
		threshold := float64(row) / float64(height)
		for _, v := range values {
			if v/top >= threshold {
				b.WriteString("█")
			} else {
				b.WriteByte(' ')
			}
		}
		b.WriteByte('\n')
	}
	// x-axis
	b.WriteString(strings.Repeat("─", n))
	b.WriteByte('\n')
	// evaluation indices every 5 columns
	for i := range values {
		if i%5 == 0 {
			b.WriteString(strconv.Itoa(i % 10))
		} else {
			b.WriteByte(' ')
		}
	}
	b.WriteByte('\n')
	fmt.Fprint(w, b.String())
}
