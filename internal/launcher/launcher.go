// Package launcher checks whether a newer patchsync release exists.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tcnksm/go-latest"
)

// ErrDevelopmentBuild is returned when the running binary has no release
// version to compare
var ErrDevelopmentBuild = errors.New("development build has no release version")

// Result is the outcome of a release check
type Result struct {
	Current    string
	Latest     string
	Outdated   bool
	ReleaseURL string
}

// Checker compares the running version with the newest release tag
type Checker struct {
	source   latest.Source
	releases string
	logger   *slog.Logger
}

// NewChecker creates a checker against the GitHub tags of owner/repository
func NewChecker(owner, repository string, logger *slog.Logger) *Checker {
	return newChecker(&latest.GithubTag{
		Owner:             owner,
		Repository:        repository,
		FixVersionStrFunc: latest.DeleteFrontV(),
	}, fmt.Sprintf("https://github.com/%s/%s/releases", owner, repository), logger)
}

func newChecker(source latest.Source, releases string, logger *slog.Logger) *Checker {
	return &Checker{source: source, releases: releases, logger: logger}
}

// Check looks up the latest release. The lookup itself is not cancelable;
// ctx only bounds how long Check waits for it.
func (c *Checker) Check(ctx context.Context, current string) (*Result, error) {
	current = strings.TrimPrefix(strings.TrimSpace(current), "v")
	if current == "" || current == "dev" {
		return nil, ErrDevelopmentBuild
	}

	type checkResult struct {
		res *latest.CheckResponse
		err error
	}
	ch := make(chan checkResult, 1)
	go func() {
		res, err := latest.Check(c.source, current)
		ch <- checkResult{res: res, err: err}
	}()

	var out checkResult
	select {
	case out = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("release check canceled: %w", ctx.Err())
	}
	if out.err != nil {
		return nil, fmt.Errorf("failed to check latest release: %w", out.err)
	}

	res := &Result{
		Current:    current,
		Latest:     out.res.Current,
		Outdated:   out.res.Outdated,
		ReleaseURL: c.releases,
	}
	if len(out.res.Malformeds) > 0 {
		c.logger.Debug("ignoring malformed release tags", "tags", out.res.Malformeds)
	}
	c.logger.Debug("release check", "current", res.Current, "latest", res.Latest, "outdated", res.Outdated)
	return res, nil
}
