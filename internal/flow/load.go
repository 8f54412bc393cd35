package flow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"dutybot/internal/config"
	"dutybot/internal/sink"
	"dutybot/internal/source"
	"dutybot/internal/task/scheduler"
)

func configErr(id, format string, args ...any) error {
	return fmt.Errorf("%w: flow %s: %s", ErrConfig, id, fmt.Sprintf(format, args...))
}

// Load reads one flow document and resolves its source and sinks.
func Load(id, path string, opt Options) (_ *Flow, err error) {
	data, err := config.ReadDocument(path)
	if err != nil {
		return nil, configErr(id, "read %s: %v", path, err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, configErr(id, "parse %s: %v", path, err)
	}

	var srcName string
	if err := popString(doc, "name", &srcName); err != nil {
		return nil, configErr(id, "%v", err)
	}
	rawPubs, ok := doc["publishers"]
	if !ok {
		return nil, configErr(id, "publishers required")
	}
	delete(doc, "publishers")

	var pubs map[string]map[string]json.RawMessage
	if err := json.Unmarshal(rawPubs, &pubs); err != nil {
		return nil, configErr(id, "publishers: %v", err)
	}

	srcOpts, err := json.Marshal(doc)
	if err != nil {
		return nil, configErr(id, "%v", err)
	}
	uploadURL := ""
	if opt.UploadURL != nil {
		uploadURL = opt.UploadURL(id)
	}
	src, err := source.Resolve(srcName, srcOpts, source.Deps{
		Name:      id,
		Logger:    opt.Logger,
		Bus:       opt.Bus,
		UploadURL: uploadURL,
	})
	if err != nil {
		return nil, configErr(id, "%v", err)
	}

	f := &Flow{ID: id, Path: path, SourceName: strings.ToLower(srcName), Source: src}
	defer func() {
		if err != nil {
			_ = (&Table{flows: []*Flow{f}}).Close()
		}
	}()

	names := make([]string, 0, len(pubs))
	for n := range pubs {
		names = append(names, n)
	}
	sort.Strings(names)

	// Task names use the lowercased sink name, so "PushPlus" and "pushplus"
	// would collide.
	seen := make(map[string]string, len(names))
	for _, n := range names {
		key := strings.ToLower(strings.TrimSpace(n))
		if prev, dup := seen[key]; dup {
			return nil, configErr(id, "publishers %q and %q name the same sink", prev, n)
		}
		seen[key] = n
	}

	for _, n := range names {
		fields := pubs[n]
		var expr string
		if err := popString(fields, "cron_expr", &expr); err != nil {
			return nil, configErr(id, "publisher %s: %v", n, err)
		}
		if _, err := scheduler.ParseCron(expr); err != nil {
			return nil, configErr(id, "publisher %s: %v", n, err)
		}
		sinkOpts, err := json.Marshal(fields)
		if err != nil {
			return nil, configErr(id, "publisher %s: %v", n, err)
		}
		dest, err := sink.Resolve(n, sinkOpts, sink.Deps{Logger: opt.Logger, HTTPClient: opt.HTTPClient})
		if err != nil {
			return nil, configErr(id, "%v", err)
		}
		f.Publishers = append(f.Publishers, Publisher{Sink: strings.ToLower(strings.TrimSpace(n)), Cron: strings.TrimSpace(expr), Dest: dest})
	}
	return f, nil
}

func popString(m map[string]json.RawMessage, key string, out *string) error {
	raw, ok := m[key]
	if !ok {
		return fmt.Errorf("%s required", key)
	}
	delete(m, key)
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: must be a string", key)
	}
	if strings.TrimSpace(*out) == "" {
		return fmt.Errorf("%s required", key)
	}
	return nil
}
