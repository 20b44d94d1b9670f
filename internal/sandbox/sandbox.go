// Package sandbox validates every identifier and path that reaches the
// filesystem or an external process.
package sandbox

import (
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"renderhub/internal/pkg/errors"
)

// Role selects the extension rules applied to a path handed to a process.
type Role string

const (
	RoleImage     Role = "image"
	RoleProject   Role = "project"
	RoleScript    Role = "script"
	RoleOutputDir Role = "output_dir"
)

var roleExtensions = map[Role][]string{
	RoleImage:   {".png", ".jpg", ".jpeg", ".webp"},
	RoleProject: {".blend"},
	RoleScript:  {".py"},
}

// DisallowedPrefixes are system locations no process argument may point into.
var DisallowedPrefixes = []string{
	"/etc", "/proc", "/sys", "/dev", "/boot", "/root",
	"/bin", "/sbin", "/usr/bin", "/usr/sbin", "/run", "/var/run",
}

var (
	idPattern     = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
	unsafeChars   = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	repeatedDots  = regexp.MustCompile(`\.{2,}`)
	maxNameLength = 200
)

// ValidateJobID rejects IDs that could not safely name a directory.
func ValidateJobID(id string) error {
	return ValidateID("job_id", id)
}

// ValidateID applies the job ID rules to any identifier used as a path
// segment, reporting failures against field.
func ValidateID(field, id string) error {
	if !idPattern.MatchString(id) {
		return errors.InvalidField(field, field+" must be 1-128 characters of letters, digits, '-' or '_'").
			WithField("value", id)
	}
	return nil
}

// SanitizeFilename reduces name to a single safe path component. The result
// is never empty and never starts with a dot.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = unsafeChars.ReplaceAllString(name, "_")
	name = repeatedDots.ReplaceAllString(name, ".")
	name = strings.TrimLeft(name, ".")

	if len(name) > maxNameLength {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:maxNameLength-len(ext)] + ext
	}
	if name == "" || name == "_" {
		return "file"
	}
	return name
}

// ValidateExecPath checks a path before it is passed as a process argument.
// The path must be absolute and already clean, must not contain a ".."
// segment, must not point into a system directory and must carry an
// extension allowed for its role.
func ValidateExecPath(path string, role Role) error {
	const op = "sandbox.validate_exec_path"

	if path == "" {
		return errors.InvalidField(string(role), "path is required")
	}
	if strings.ContainsRune(path, 0) {
		return errors.InvalidField(string(role), "path contains a null byte")
	}
	if !filepath.IsAbs(path) {
		return errors.InvalidField(string(role), "path must be absolute").WithField("path", path)
	}
	if filepath.Clean(path) != path {
		return errors.InvalidField(string(role), "path is not in canonical form").WithField("path", path)
	}
	if slices.Contains(strings.Split(filepath.ToSlash(path), "/"), "..") {
		return errors.InvalidField(string(role), "path contains a parent reference").WithField("path", path)
	}
	if InSystemDir(path) {
		return errors.InvalidField(string(role), "path points into a system directory").
			WithField("path", path)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if role == RoleOutputDir {
		if ext != "" {
			return errors.InvalidField(string(role), "output directory must not have an extension").
				WithField("path", path)
		}
		return nil
	}

	allowed, ok := roleExtensions[role]
	if !ok {
		return errors.Newf(errors.CodeInternal, "unknown path role %q", role).WithField("op", op)
	}
	if !slices.Contains(allowed, ext) {
		return errors.InvalidField(string(role), "file extension is not allowed").
			WithFields(map[string]any{"path": path, "allowed": strings.Join(allowed, ",")})
	}
	return nil
}

// InSystemDir reports whether the clean absolute path lies in one of
// DisallowedPrefixes.
func InSystemDir(path string) bool {
	path = filepath.ToSlash(filepath.Clean(path))
	for _, prefix := range DisallowedPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// Within reports whether path resolves to root or somewhere beneath it.
func Within(root, path string) bool {
	if root == "" || path == "" {
		return false
	}
	root = filepath.Clean(root)
	path = filepath.Clean(path)
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ResolveFile checks that p is a regular file inside root once every symlink
// in either path is resolved, and returns the resolved path.
func ResolveFile(root, p string) (string, error) {
	if !Within(root, p) {
		return "", errors.InvalidInput("path is outside its root").
			WithFields(map[string]any{"root": root, "path": p})
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", errors.Wrap(err, "sandbox.resolve_file", "resolve root")
	}
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.NotFound("file", p)
		}
		return "", errors.Wrap(err, "sandbox.resolve_file", "resolve path")
	}
	if !Within(resolvedRoot, resolved) || resolved == resolvedRoot {
		return "", errors.InvalidInput("path resolves outside its root").
			WithFields(map[string]any{"root": root, "path": p})
	}
	st, err := os.Lstat(resolved)
	if err != nil {
		return "", errors.Wrap(err, "sandbox.resolve_file", "stat path")
	}
	if !st.Mode().IsRegular() {
		return "", errors.InvalidInput("path is not a regular file").WithField("path", p)
	}
	return resolved, nil
}

// Join joins elem onto root and fails when the result would leave root.
func Join(root string, elem ...string) (string, error) {
	p := filepath.Join(append([]string{root}, elem...)...)
	if !Within(root, p) {
		return "", errors.InvalidInput("path escapes its root").
			WithFields(map[string]any{"root": root, "path": p})
	}
	return p, nil
}
