package automation

import (
	"sort"
	"strings"

	"github.com/huangang/repoflow/internal/apperr"
)

// orderRules sorts rules so every rule follows its dependencies. Among rules
// that are ready at the same time, higher priority goes first, then lower id.
func orderRules(rules map[string]Rule) ([]Rule, error) {
	indegree := make(map[string]int, len(rules))
	dependents := make(map[string][]string, len(rules))

	for _, id := range sortedIDs(rules) {
		indegree[id] += 0
		for _, dep := range rules[id].DependsOn() {
			if dep == id {
				return nil, apperr.Invalid("rules."+id+".depends_on", "rule depends on itself")
			}
			if _, ok := rules[dep]; !ok {
				return nil, apperr.Invalid("rules."+id+".depends_on", "unknown rule %q", dep)
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []Rule
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, rules[id])
		}
	}

	ordered := make([]Rule, 0, len(rules))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			if ready[i].Priority() != ready[j].Priority() {
				return ready[i].Priority() > ready[j].Priority()
			}
			return ready[i].ID() < ready[j].ID()
		})
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, next)

		for _, dependent := range dependents[next.ID()] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, rules[dependent])
			}
		}
	}

	if len(ordered) != len(rules) {
		var stuck []string
		for id, n := range indegree {
			if n > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, apperr.Invalid("rules", "dependency cycle among %s", strings.Join(stuck, ", "))
	}
	return ordered, nil
}
