package verifier

// callGraph records intra-unit static calls between methods, keyed by
// name+descriptor, and the probe actions a search starts from.
type callGraph struct {
	edges   map[string][]string
	starts  []string
	isStart map[string]bool
}

func newCallGraph() *callGraph {
	return &callGraph{
		edges:   make(map[string][]string),
		isStart: make(map[string]bool),
	}
}

func (g *callGraph) addEdge(from, to string) {
	for _, existing := range g.edges[from] {
		if existing == to {
			return
		}
	}
	g.edges[from] = append(g.edges[from], to)
}

func (g *callGraph) addStart(node string) {
	if g.isStart[node] {
		return
	}
	g.isStart[node] = true
	g.starts = append(g.starts, node)
}

// findCycle returns the nodes of the first cycle reachable from a start
// node, closed by repeating its first node, or nil.
func (g *callGraph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int)
	var stack []string

	var visit func(n string) []string
	visit = func(n string) []string {
		color[n] = gray
		stack = append(stack, n)
		for _, next := range g.edges[n] {
			switch color[next] {
			case gray:
				for i, s := range stack {
					if s == next {
						cycle := append([]string(nil), stack[i:]...)
						return append(cycle, next)
					}
				}
			case white:
				if c := visit(next); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}

	for _, s := range g.starts {
		if color[s] == white {
			if c := visit(s); c != nil {
				return c
			}
		}
	}
	return nil
}
