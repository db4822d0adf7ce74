// Package seed loads repositories and tasks from an optional YAML file at
// startup. Rows that already exist are left untouched.
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/store"
)

// File is the top-level seed document.
type File struct {
	Repositories []Repository `yaml:"repositories"`
	Tasks        []Task       `yaml:"tasks"`
}

// Repository seeds one repository row.
type Repository struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	ShortName     string `yaml:"shortName"`
	GitURL        string `yaml:"gitUrl"`
	DefaultBranch string `yaml:"defaultBranch"`
}

// Task seeds one task row.
type Task struct {
	ID               string            `yaml:"id"`
	Name             string            `yaml:"name"`
	RepositoryID     string            `yaml:"repositoryId"`
	Harness          string            `yaml:"harness"`
	Prompt           string            `yaml:"prompt"`
	Command          string            `yaml:"command"`
	RetryPolicy      store.RetryPolicy `yaml:"retryPolicy"`
	ArtifactPolicy   string            `yaml:"artifactPolicy"`
	TimeoutSeconds   int               `yaml:"timeoutSeconds"`
	ConcurrencyLimit int               `yaml:"concurrencyLimit"`
	Cron             string            `yaml:"cron"`
	Enabled          *bool             `yaml:"enabled"`
}

// Stores is the persistence slice seeding writes to.
type Stores interface {
	store.TaskStore
	store.RepositoryStore
}

// Load reads the seed file and creates any repositories and tasks not yet
// present. A missing file is not an error; seeding is optional.
func Load(ctx context.Context, path string, stores Stores, log *logger.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug("seed file absent, skipping", zap.String("path", path))
			return nil
		}
		return fmt.Errorf("read seed file: %w", err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}

	created := 0
	for _, repo := range file.Repositories {
		ok, err := seedRepository(ctx, stores, repo)
		if err != nil {
			return err
		}
		if ok {
			created++
		}
	}
	for _, task := range file.Tasks {
		ok, err := seedTask(ctx, stores, task)
		if err != nil {
			return err
		}
		if ok {
			created++
		}
	}

	log.Info("seed file applied",
		zap.String("path", path),
		zap.Int("repositories", len(file.Repositories)),
		zap.Int("tasks", len(file.Tasks)),
		zap.Int("created", created))
	return nil
}

func seedRepository(ctx context.Context, stores Stores, repo Repository) (bool, error) {
	if repo.ID == "" || repo.GitURL == "" {
		return false, fmt.Errorf("seed repository %q: id and gitUrl are required", repo.Name)
	}
	if _, err := stores.GetRepository(ctx, repo.ID); err == nil {
		return false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	shortName := repo.ShortName
	if shortName == "" {
		shortName = repo.Name
	}
	branch := repo.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	err := stores.CreateRepository(ctx, &store.Repository{
		ID:            repo.ID,
		Name:          repo.Name,
		ShortName:     shortName,
		GitURL:        repo.GitURL,
		DefaultBranch: branch,
	})
	if err != nil {
		return false, fmt.Errorf("seed repository %q: %w", repo.ID, err)
	}
	return true, nil
}

func seedTask(ctx context.Context, stores Stores, task Task) (bool, error) {
	if task.ID == "" || task.RepositoryID == "" {
		return false, fmt.Errorf("seed task %q: id and repositoryId are required", task.Name)
	}
	if _, err := stores.GetTask(ctx, task.ID); err == nil {
		return false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	enabled := true
	if task.Enabled != nil {
		enabled = *task.Enabled
	}
	concurrency := task.ConcurrencyLimit
	if concurrency <= 0 {
		concurrency = 1
	}
	err := stores.CreateTask(ctx, &store.Task{
		ID:               task.ID,
		Name:             task.Name,
		RepositoryID:     task.RepositoryID,
		Harness:          task.Harness,
		Prompt:           task.Prompt,
		Command:          task.Command,
		RetryPolicy:      task.RetryPolicy,
		ArtifactPolicy:   task.ArtifactPolicy,
		TimeoutSeconds:   task.TimeoutSeconds,
		ConcurrencyLimit: concurrency,
		Cron:             task.Cron,
		Enabled:          enabled,
	})
	if err != nil {
		return false, fmt.Errorf("seed task %q: %w", task.ID, err)
	}
	return true, nil
}
