package parser

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hupe1980/flowmesh/core"
)

// JSON parses structured replies. It looks for the first JSON document in the
// reply (fenced or bare) and reads descriptors from a root array or from the
// first matching list key.
type JSON struct {
	ManagerKeys    []string
	SupervisorKeys []string
}

// NewJSON returns a JSON parser reading "components"/"supervisors" for
// manager replies and "tasks"/"workers" for supervisor replies.
func NewJSON() *JSON {
	return &JSON{
		ManagerKeys:    []string{"components", "supervisors"},
		SupervisorKeys: []string{"tasks", "workers"},
	}
}

// ParseManager implements ResponseParser.
func (j *JSON) ParseManager(reply string) []ComponentDescriptor {
	list, ok := findList(reply, j.ManagerKeys)
	if !ok {
		return nil
	}
	var out []ComponentDescriptor
	list.ForEach(func(_, v gjson.Result) bool {
		d := ComponentDescriptor{Description: managerDescription}
		if v.Type == gjson.String {
			d.Component = strings.TrimSpace(v.String())
		} else {
			d.Component = firstString(v, "component", "name", "title")
			if desc := firstString(v, "description", "summary"); desc != "" {
				d.Description = desc
			}
		}
		if d.Component == "" {
			d.Component = UnknownComponent
		}
		out = append(out, d)
		return true
	})
	return out
}

// ParseSupervisor implements ResponseParser.
func (j *JSON) ParseSupervisor(reply string) []TaskDescriptor {
	list, ok := findList(reply, j.SupervisorKeys)
	if !ok {
		return nil
	}
	var out []TaskDescriptor
	list.ForEach(func(_, v gjson.Result) bool {
		d := TaskDescriptor{Priority: core.PriorityMedium}
		if v.Type == gjson.String {
			d.Task = strings.TrimSpace(v.String())
		} else {
			d.Task = firstString(v, "task", "description", "name", "title")
			for _, r := range v.Get("requirements").Array() {
				if s := strings.TrimSpace(r.String()); s != "" {
					d.Requirements = append(d.Requirements, s)
				}
			}
			switch p := core.Priority(strings.ToLower(v.Get("priority").String())); p {
			case core.PriorityLow, core.PriorityMedium, core.PriorityHigh:
				d.Priority = p
			}
		}
		if d.Task == "" {
			d.Task = UnknownTask
		}
		if len(d.Requirements) == 0 {
			d.Requirements = []string{supervisorRequirement}
		}
		out = append(out, d)
		return true
	})
	return out
}

func firstString(v gjson.Result, keys ...string) string {
	for _, k := range keys {
		if s := strings.TrimSpace(v.Get(k).String()); s != "" {
			return s
		}
	}
	return ""
}

func findList(reply string, keys []string) (gjson.Result, bool) {
	doc, ok := extractJSON(reply)
	if !ok {
		return gjson.Result{}, false
	}
	root := gjson.Parse(doc)
	if root.IsArray() {
		return root, len(root.Array()) > 0
	}
	for _, k := range keys {
		if l := root.Get(k); l.IsArray() && len(l.Array()) > 0 {
			return l, true
		}
	}
	return gjson.Result{}, false
}

// maxJSONCandidates bounds the number of substrings extractJSON validates.
const maxJSONCandidates = 256

// extractJSON returns the first valid JSON object or array in s, preferring
// fenced code blocks.
func extractJSON(s string) (string, bool) {
	if start := strings.Index(s, "```"); start >= 0 {
		body := s[start+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		}
		if end := strings.Index(body, "```"); end >= 0 {
			if candidate := strings.TrimSpace(body[:end]); gjson.Valid(candidate) {
				return candidate, true
			}
		}
	}
	checked := 0
	for i, r := range s {
		if r != '{' && r != '[' {
			continue
		}
		closer := "}"
		if r == '[' {
			closer = "]"
		}
		for end := strings.LastIndex(s, closer); end > i; end = strings.LastIndex(s[:end], closer) {
			if checked++; checked > maxJSONCandidates {
				return "", false
			}
			if candidate := s[i : end+1]; gjson.Valid(candidate) {
				return candidate, true
			}
		}
	}
	return "", false
}
