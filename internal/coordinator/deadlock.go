package coordinator

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
)

// DeadlockDetection is the result of a successful cycle search: the
// agents forming the cycle and the resources implicated.
type DeadlockDetection struct {
	Cycle     []string
	Resources []string
}

// DetectDeadlock builds the wait-for graph (an edge A->B for every
// pending request by agent A on a resource currently held by agent B)
// and returns the first cycle found via depth-first search (§4.3).
func (c *Coordinator) DetectDeadlock() (*DeadlockDetection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	edges := make(map[string]map[string]struct{}) // agentA -> set of agentB it waits on
	resourceOf := make(map[[2]string]string)       // (A,B) -> resourceID that caused the edge

	for resourceID, reqs := range c.waiting {
		holders := c.grants[resourceID]
		if len(holders) == 0 {
			continue
		}
		for _, req := range reqs {
			for _, h := range holders {
				if h.AgentID == req.agentID {
					continue
				}
				if edges[req.agentID] == nil {
					edges[req.agentID] = make(map[string]struct{})
				}
				edges[req.agentID][h.AgentID] = struct{}{}
				resourceOf[[2]string{req.agentID, h.AgentID}] = resourceID
			}
		}
	}

	agents := make([]string, 0, len(edges))
	for a := range edges {
		agents = append(agents, a)
	}
	sort.Strings(agents)

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var path []string

	var cycle []string
	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		path = append(path, node)
		neighbors := make([]string, 0, len(edges[node]))
		for n := range edges[node] {
			neighbors = append(neighbors, n)
		}
		sort.Strings(neighbors)
		for _, next := range neighbors {
			if color[next] == gray {
				// Found the cycle: slice path from next's first occurrence.
				for i, n := range path {
					if n == next {
						cycle = append([]string{}, path[i:]...)
						return true
					}
				}
			}
			if color[next] == white {
				if dfs(next) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[node] = black
		return false
	}

	for _, a := range agents {
		if color[a] == white {
			path = nil
			if dfs(a) {
				resourceSet := make(map[string]struct{})
				for i := 0; i < len(cycle); i++ {
					a, b := cycle[i], cycle[(i+1)%len(cycle)]
					if r, ok := resourceOf[[2]string{a, b}]; ok {
						resourceSet[r] = struct{}{}
					}
				}
				resources := make([]string, 0, len(resourceSet))
				for r := range resourceSet {
					resources = append(resources, r)
				}
				sort.Strings(resources)
				return &DeadlockDetection{Cycle: cycle, Resources: resources}, true
			}
		}
	}
	return nil, false
}

// stateRecord is one (agentId, workflowId, taskId, stateSignature) tuple
// tracked per agent for livelock detection.
type stateRecord struct {
	workflowID string
	taskID     string
	signature  string
}

// LivelockDetector records recent state signatures per agent and flags a
// repeating cycle of bounded length (§4.3).
type LivelockDetector struct {
	windowSize  int
	maxCycleLen int
	repeats     int
	history     map[string][]stateRecord
}

// NewLivelockDetector constructs a detector with the given window,
// max cycle length, and required repeat count.
func NewLivelockDetector(windowSize, maxCycleLen, repeats int) *LivelockDetector {
	return &LivelockDetector{
		windowSize:  windowSize,
		maxCycleLen: maxCycleLen,
		repeats:     repeats,
		history:     make(map[string][]stateRecord),
	}
}

// StateSignature computes a stable hash of a reported state, excluding
// attempt counters and timestamps per §4.3 / spec.md §9's resolved open
// question: those fields are monotonically changing and would make every
// tick look novel.
func StateSignature(state map[string]any) string {
	filtered := make(map[string]any, len(state))
	for k, v := range state {
		if k == "attempt" || k == "attempts" || k == "timestamp" {
			continue
		}
		filtered[k] = v
	}
	keys := make([]string, 0, len(filtered))
	for k := range filtered {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, filtered[k])
	}
	data, _ := json.Marshal(ordered)
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// LivelockDetection reports the repeating cycle found for an agent.
type LivelockDetection struct {
	AgentID    string
	CycleLen   int
	Repeats    int
	Signatures []string
}

// Record appends a new state observation for agentID and checks for
// livelock within the retained window.
func (d *LivelockDetector) Record(agentID, workflowID, taskID string, state map[string]any) (*LivelockDetection, bool) {
	sig := StateSignature(state)
	hist := append(d.history[agentID], stateRecord{workflowID: workflowID, taskID: taskID, signature: sig})
	if len(hist) > d.windowSize {
		hist = hist[len(hist)-d.windowSize:]
	}
	d.history[agentID] = hist

	return d.detect(agentID, hist)
}

// detect scans the tail of hist for a cycle of length 1..maxCycleLen
// that repeats at least d.repeats times contiguously.
func (d *LivelockDetector) detect(agentID string, hist []stateRecord) (*LivelockDetection, bool) {
	sigs := make([]string, len(hist))
	for i, h := range hist {
		sigs[i] = h.signature
	}

	for cycleLen := 1; cycleLen <= d.maxCycleLen; cycleLen++ {
		needed := cycleLen * d.repeats
		if len(sigs) < needed {
			continue
		}
		window := sigs[len(sigs)-needed:]
		pattern := window[:cycleLen]
		matched := true
		for rep := 1; rep < d.repeats; rep++ {
			segment := window[rep*cycleLen : (rep+1)*cycleLen]
			for i := range pattern {
				if segment[i] != pattern[i] {
					matched = false
					break
				}
			}
			if !matched {
				break
			}
		}
		if matched {
			return &LivelockDetection{AgentID: agentID, CycleLen: cycleLen, Repeats: d.repeats, Signatures: pattern}, true
		}
	}
	return nil, false
}

// Reset clears an agent's recorded history, used by REPLAN mitigation.
func (d *LivelockDetector) Reset(agentID string) {
	delete(d.history, agentID)
}
