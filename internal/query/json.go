package query

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

var errNoJSON = errors.New("no json object in model output")

// jsonObject locates the outermost JSON object in model output, tolerating code
// fences and surrounding prose.
func jsonObject(raw string) (gjson.Result, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return gjson.Result{}, errNoJSON
	}
	body := raw[start : end+1]
	if !gjson.Valid(body) {
		return gjson.Result{}, errNoJSON
	}
	return gjson.Parse(body), nil
}

func stringList(r gjson.Result) []string {
	var out []string
	r.ForEach(func(_, v gjson.Result) bool {
		if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
		return true
	})
	return out
}
