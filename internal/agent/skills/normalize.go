package skills

import "strings"

// SplitOwnerRepo collapses a "owner/repo" string in the named field into
// separate "owner" and "repo" keys, as spec.md §4.3 requires for GitHub
// content/branch skills. Fields already carrying separate owner/repo keys are
// left untouched.
func SplitOwnerRepo(field string) func(map[string]any) (map[string]any, error) {
	return func(args map[string]any) (map[string]any, error) {
		out := cloneArgs(args)
		raw, ok := out[field].(string)
		if !ok {
			return out, nil
		}
		if _, hasOwner := out["owner"]; hasOwner {
			if _, hasRepo := out["repo"]; hasRepo {
				return out, nil
			}
		}
		owner, repo, found := strings.Cut(raw, "/")
		if !found {
			return out, nil
		}
		out["owner"] = owner
		out["repo"] = repo
		delete(out, field)
		return out, nil
	}
}

// PathsAliases accepts "paths", "file_paths", "files", or "items" as aliases
// for the declared "paths_list" parameter used by batch read/delete skills.
// A bare string is treated as a single-item list; a list of {"path": ...}
// objects has its path values extracted.
func PathsAliases(args map[string]any) (map[string]any, error) {
	out := cloneArgs(args)
	if _, ok := out["paths_list"]; ok {
		return out, nil
	}
	for _, alias := range []string{"paths", "file_paths", "files", "items"} {
		raw, ok := out[alias]
		if !ok {
			continue
		}
		out["paths_list"] = toStringList(raw)
		delete(out, alias)
		return out, nil
	}
	return out, nil
}

// URLAliases accepts "url", "web_url", or "links" as aliases for the
// declared "urls" parameter used by URL-reading skills, and fills in
// max_pages/max_chars defaults when absent.
func URLAliases(defaultMaxPages, defaultMaxChars int) func(map[string]any) (map[string]any, error) {
	return func(args map[string]any) (map[string]any, error) {
		out := cloneArgs(args)
		if _, ok := out["urls"]; !ok {
			for _, alias := range []string{"url", "web_url", "links"} {
				raw, ok := out[alias]
				if !ok {
					continue
				}
				out["urls"] = toStringList(raw)
				delete(out, alias)
				break
			}
		}
		if _, ok := out["max_pages"]; !ok {
			out["max_pages"] = defaultMaxPages
		}
		if _, ok := out["max_chars"]; !ok {
			out["max_chars"] = defaultMaxChars
		}
		return out, nil
	}
}

// Chain composes normalizers left to right, threading each one's output into
// the next one's input.
func Chain(normalizers ...func(map[string]any) (map[string]any, error)) func(map[string]any) (map[string]any, error) {
	return func(args map[string]any) (map[string]any, error) {
		cur := args
		for _, n := range normalizers {
			next, err := n(cur)
			if err != nil {
				return nil, err
			}
			cur = next
		}
		return cur, nil
	}
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

// toStringList normalizes a raw alias value into a []string: a bare string
// becomes a one-element list, a list of strings passes through, and a list of
// {"path": "..."} objects has its path values extracted.
func toStringList(raw any) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			switch it := item.(type) {
			case string:
				out = append(out, it)
			case map[string]any:
				if p, ok := it["path"].(string); ok {
					out = append(out, p)
				}
			}
		}
		return out
	default:
		return nil
	}
}
