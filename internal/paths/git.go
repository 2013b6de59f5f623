package paths

import (
	git "github.com/go-git/go-git/v5"
)

// Branch reports the checked-out branch of the repository containing dir.
// Empty for detached heads, bare dirs, and plain directories.
func Branch(dir string) string {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	if !head.Name().IsBranch() {
		return ""
	}
	return head.Name().Short()
}
