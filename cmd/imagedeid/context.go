package main

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"imagedeid/internal/config"
	"imagedeid/internal/logging"
	"imagedeid/internal/pipeline"
)

// runnerOptions is appended to the options of every runner the CLI builds.
var runnerOptions []pipeline.Option

type commandContext struct {
	configFlag  *string
	programFlag *string
	siteFlag    *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger
	loggerErr  error
}

func newCommandContext(configFlag, programFlag, siteFlag *string) *commandContext {
	return &commandContext{
		configFlag:  configFlag,
		programFlag: programFlag,
		siteFlag:    siteFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, path, _, err := config.Load(c.configFlagValue())
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = path
	})
	return c.config, c.configErr
}

func (c *commandContext) configFlagValue() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

// namespace returns the program and site selected on the command line.
// Empty values fall back to the configured defaults inside the pipeline.
func (c *commandContext) namespace() (string, string) {
	var program, site string
	if c.programFlag != nil {
		program = strings.TrimSpace(*c.programFlag)
	}
	if c.siteFlag != nil {
		site = strings.TrimSpace(*c.siteFlag)
	}
	return program, site
}

func (c *commandContext) ensureLogger() (*slog.Logger, error) {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.loggerErr = err
			return
		}
		logger, err := logging.NewFromConfig(cfg)
		if err != nil {
			c.loggerErr = fmt.Errorf("init logger: %w", err)
			return
		}
		logging.PruneRunLogs(logger, cfg)
		c.logger = logger
	})
	return c.logger, c.loggerErr
}

// withRunner builds a pipeline runner, hands it to fn, and closes it.
func (c *commandContext) withRunner(fn func(*pipeline.Runner) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return err
	}
	runner, err := pipeline.New(cfg, logger, runnerOptions...)
	if err != nil {
		return err
	}
	defer runner.Close()
	return fn(runner)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
