package composite

// pathTemplate keeps absolute paths and places relative ones under .vars.root
const pathTemplate = `{{ if isAbs .args.path }}{{ clean .args.path }}{{ else }}{{ clean (printf "%s/%s" (default "." .vars.root) .args.path) }}{{ end }}`

const repoTemplate = `{{ default "." .vars.repo }}`

// Builtin returns the built-in composite tools. The steps use short tool
// names, so they run against whichever servers offer write_file, git_add
// and git_commit. vars.root is the base of relative paths and vars.repo is
// the repository path; both default to ".".
func Builtin(vars map[string]any) []Spec {
	if vars == nil {
		vars = map[string]any{}
	}
	return []Spec{
		{
			Name:        "write_and_commit",
			Description: "Write a file, stage all changes and commit them with the given message",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string", "description": "File path, relative to the workspace root"},
					"content": map[string]any{"type": "string", "description": "File content"},
					"message": map[string]any{"type": "string", "description": "Commit message"},
				},
				"required": []any{"path", "content", "message"},
			},
			Vars: vars,
			Steps: []Step{
				{
					Name: "write",
					Tool: "write_file",
					Arguments: map[string]any{
						"path":    pathTemplate,
						"content": "{{ .args.content }}",
					},
				},
				{
					Name: "add",
					Tool: "git_add",
					Arguments: map[string]any{
						"repo_path": repoTemplate,
						"files":     []any{"."},
					},
				},
				{
					Name: "commit",
					Tool: "git_commit",
					Arguments: map[string]any{
						"repo_path": repoTemplate,
						"message":   "{{ .args.message }}",
					},
				},
			},
		},
		{
			Name:        "commit_all",
			Description: "Stage all changes and commit them with the given message",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"message": map[string]any{"type": "string", "description": "Commit message"},
				},
				"required": []any{"message"},
			},
			Vars: vars,
			Steps: []Step{
				{
					Name: "add",
					Tool: "git_add",
					Arguments: map[string]any{
						"repo_path": repoTemplate,
						"files":     []any{"."},
					},
				},
				{
					Name: "commit",
					Tool: "git_commit",
					Arguments: map[string]any{
						"repo_path": repoTemplate,
						"message":   "{{ .args.message }}",
					},
				},
			},
		},
	}
}
