package models

// RepositoryInfo identifies the repository an event belongs to.
type RepositoryInfo struct {
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
}

// Slug returns FullName, falling back to owner/name.
func (r *RepositoryInfo) Slug() string {
	if r == nil {
		return ""
	}
	if r.FullName != "" {
		return r.FullName
	}
	return r.Owner + "/" + r.Name
}

// ChangeCategory groups change signals that rules trigger on.
type ChangeCategory string

const (
	CategoryContent    ChangeCategory = "content"
	CategoryDependency ChangeCategory = "dependency"
	CategoryConfig     ChangeCategory = "config"
)

// Categories lists every category in evaluation order.
var Categories = []ChangeCategory{CategoryContent, CategoryDependency, CategoryConfig}

type FileChange struct {
	Path string `json:"path"`
	// Significance is a 0..1 score produced by content analysis.
	Significance float64 `json:"significance"`
}

type DependencyChange struct {
	Framework   string `json:"framework"` // npm, go, maven, pip, ...
	Name        string `json:"name"`
	FromVersion string `json:"from_version"`
	Version     string `json:"version"`
	Breaking    bool   `json:"breaking"`
}

type ConfigChange struct {
	Path     string `json:"path"`
	Key      string `json:"key"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
}

// RepositoryChanges is the normalized change set of one repository event.
// It is owned by the caller and treated as read-only.
type RepositoryChanges struct {
	Added        []FileChange       `json:"added"`
	Modified     []FileChange       `json:"modified"`
	Deleted      []FileChange       `json:"deleted"`
	Dependencies []DependencyChange `json:"dependencies"`
	Configs      []ConfigChange     `json:"configs"`
}

// Files returns added, modified and deleted files in one slice.
func (c *RepositoryChanges) Files() []FileChange {
	files := make([]FileChange, 0, len(c.Added)+len(c.Modified)+len(c.Deleted))
	files = append(files, c.Added...)
	files = append(files, c.Modified...)
	return append(files, c.Deleted...)
}

// Count returns the number of change items in a category.
func (c *RepositoryChanges) Count(cat ChangeCategory) int {
	switch cat {
	case CategoryContent:
		return len(c.Added) + len(c.Modified) + len(c.Deleted)
	case CategoryDependency:
		return len(c.Dependencies)
	case CategoryConfig:
		return len(c.Configs)
	}
	return 0
}

// HasBreaking reports whether any dependency change is marked breaking.
func (c *RepositoryChanges) HasBreaking() bool {
	for _, d := range c.Dependencies {
		if d.Breaking {
			return true
		}
	}
	return false
}
