package heapsampler

import "encoding/json"

// samplingProfileNode mirrors HeapProfiler.SamplingHeapProfileNode:
// a call-tree node with its own self-allocated size and children.
type samplingProfileNode struct {
	CallFrame struct {
		FunctionName string `json:"functionName"`
		URL          string `json:"url"`
		LineNumber   int    `json:"lineNumber"`
		ColumnNumber int    `json:"columnNumber"`
	} `json:"callFrame"`
	SelfSize int64                 `json:"selfSize"`
	Children []samplingProfileNode `json:"children"`
}

// parseSamplingProfile flattens HeapProfiler.stopSampling's result
// tree into one Allocator per (function, script, line, column) site.
func parseSamplingProfile(raw []byte) ([]Allocator, error) {
	var payload struct {
		Profile struct {
			Head samplingProfileNode `json:"head"`
		} `json:"profile"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}

	type site struct {
		function, script string
		line, column     int
	}
	var out []Allocator
	index := make(map[site]int)
	var walk func(n samplingProfileNode)
	walk = func(n samplingProfileNode) {
		if n.SelfSize > 0 {
			k := site{n.CallFrame.FunctionName, n.CallFrame.URL, n.CallFrame.LineNumber, n.CallFrame.ColumnNumber}
			if i, ok := index[k]; ok {
				out[i].SelfSize += n.SelfSize
			} else {
				index[k] = len(out)
				out = append(out, Allocator{
					FunctionName: n.CallFrame.FunctionName,
					ScriptURL:    n.CallFrame.URL,
					Line:         n.CallFrame.LineNumber,
					Column:       n.CallFrame.ColumnNumber,
					SelfSize:     n.SelfSize,
				})
			}
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(payload.Profile.Head)
	return out, nil
}
