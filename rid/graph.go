// Package rid maps image platforms to runtime identifiers and picks the best
// manifest list entry for a runtime identifier using a compatibility graph.
package rid

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/regclient/regbuild/types"
)

//go:embed runtime.json
var defaultGraph []byte

// Graph is a runtime identifier compatibility graph.
// Each runtime lists the runtimes it can also run, in priority order.
type Graph struct {
	imports map[string][]string
}

type graphFile struct {
	Runtimes map[string]struct {
		Imports []string `json:"#import"`
	} `json:"runtimes"`
}

// LoadGraph reads a runtime.json file, an empty path loads the embedded graph
func LoadGraph(path string) (*Graph, error) {
	if path == "" {
		return ParseGraph(defaultGraph)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Failed to read runtime graph %s: %w", path, err)
	}
	return ParseGraph(b)
}

// ParseGraph decodes the content of a runtime.json file
func ParseGraph(b []byte) (*Graph, error) {
	gf := graphFile{}
	if err := json.Unmarshal(b, &gf); err != nil {
		return nil, fmt.Errorf("%w: runtime graph: %v", types.ErrParsingFailed, err)
	}
	g := &Graph{imports: make(map[string][]string, len(gf.Runtimes))}
	for name, rt := range gf.Runtimes {
		g.imports[name] = rt.Imports
	}
	return g, nil
}

// Expand returns the runtime followed by every compatible runtime, nearest first.
// The walk is breadth first and each runtime is listed once.
func (g *Graph) Expand(rid string) []string {
	ret := []string{rid}
	seen := map[string]bool{rid: true}
	for i := 0; i < len(ret); i++ {
		for _, imp := range g.imports[ret[i]] {
			if !seen[imp] {
				seen[imp] = true
				ret = append(ret, imp)
			}
		}
	}
	return ret
}

// Known is true when the runtime is defined in the graph
func (g *Graph) Known(rid string) bool {
	_, ok := g.imports[rid]
	return ok
}
