package orchestrator

import (
	"sort"
	"strings"

	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/models"
)

// ErrDependencyCycle is returned when job dependencies form a cycle.
var ErrDependencyCycle = errors.New(errors.ErrorTypeOrchestration, "job dependency cycle")

// ValidateDependencies checks that every dependency names a known job of
// the same type and that the graph is acyclic. Cycle errors carry the
// offending path, for example "a -> b -> a".
func ValidateDependencies(jobs []models.ETLJob) error {
	byID := make(map[string]*models.ETLJob, len(jobs))
	for i := range jobs {
		byID[jobs[i].ID] = &jobs[i]
	}
	graph := make(map[string][]string, len(jobs))
	for _, j := range jobs {
		graph[j.ID] = nil
		for _, dep := range j.DependsOn {
			d, ok := byID[dep]
			if !ok {
				return errors.Newf(errors.ErrorTypeOrchestration, "job %s depends on unknown job %s", j.ID, dep)
			}
			if d.JobType != j.JobType {
				return errors.Newf(errors.ErrorTypeOrchestration, "job %s (%s) cannot depend on %s (%s)",
					j.ID, j.JobType, dep, d.JobType)
			}
			graph[j.ID] = append(graph[j.ID], dep)
		}
	}
	for _, scc := range stronglyConnected(graph) {
		if len(scc) > 1 || selfLoop(graph, scc[0]) {
			path := cyclePath(graph, scc)
			return errors.Wrap(ErrDependencyCycle, errors.ErrorTypeOrchestration, strings.Join(path, " -> ")).
				WithDetail("path", path)
		}
	}
	return nil
}

// DependencyOrder returns jobs with every job after its dependencies. Ties
// keep id order.
func DependencyOrder(jobs []models.ETLJob) ([]models.ETLJob, error) {
	if err := ValidateDependencies(jobs); err != nil {
		return nil, err
	}
	sorted := append([]models.ETLJob(nil), jobs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	byID := make(map[string]models.ETLJob, len(sorted))
	for _, j := range sorted {
		byID[j.ID] = j
	}
	done := make(map[string]bool, len(sorted))
	out := make([]models.ETLJob, 0, len(sorted))
	var visit func(id string)
	visit = func(id string) {
		if done[id] {
			return
		}
		done[id] = true
		deps := append([]string(nil), byID[id].DependsOn...)
		sort.Strings(deps)
		for _, d := range deps {
			visit(d)
		}
		out = append(out, byID[id])
	}
	for _, j := range sorted {
		visit(j.ID)
	}
	return out, nil
}

func selfLoop(graph map[string][]string, n string) bool {
	for _, m := range graph[n] {
		if m == n {
			return true
		}
	}
	return false
}

// stronglyConnected is Tarjan's algorithm. Nodes are visited in sorted
// order so the reported cycle is stable.
func stronglyConnected(graph map[string][]string) [][]string {
	var (
		index   int
		stack   []string
		indices = map[string]int{}
		lowlink = map[string]int{}
		onStack = map[string]bool{}
		sccs    [][]string
	)

	var connect func(v string)
	connect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, seen := indices[w]; !seen {
				connect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		if _, seen := indices[n]; !seen {
			connect(n)
		}
	}
	return sccs
}

// cyclePath walks edges inside scc from its smallest member back to itself.
func cyclePath(graph map[string][]string, scc []string) []string {
	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}
	start := scc[0]
	for _, n := range scc {
		if n < start {
			start = n
		}
	}
	path := []string{start}
	visited := map[string]bool{start: true}
	cur := start
	for {
		next := ""
		deps := append([]string(nil), graph[cur]...)
		sort.Strings(deps)
		for _, d := range deps {
			if d == start {
				return append(path, start)
			}
			if members[d] && !visited[d] && next == "" {
				next = d
			}
		}
		if next == "" {
			return append(path, start)
		}
		visited[next] = true
		path = append(path, next)
		cur = next
	}
}
