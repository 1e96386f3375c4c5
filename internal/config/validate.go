package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateRun(); err != nil {
		return err
	}
	if err := c.validateArchive(); err != nil {
		return err
	}
	if err := c.validateRegistry(); err != nil {
		return err
	}
	if err := c.validateIdentity(); err != nil {
		return err
	}
	if err := c.validateClassifier(); err != nil {
		return err
	}
	if err := c.validateRestructure(); err != nil {
		return err
	}
	if err := c.validateConversion(); err != nil {
		return err
	}
	return c.validateNotifications()
}

func (c *Config) validateRun() error {
	if c.Run.Program == "" {
		return errors.New("run.program must be set")
	}
	if c.Run.Site == "" {
		return errors.New("run.site must be set")
	}
	if strings.ContainsAny(c.Run.Program+c.Run.Site, `/\`) {
		return errors.New("run.program and run.site must not contain path separators")
	}
	switch c.Run.Source {
	case SourceArchive, SourceLocal:
	default:
		return fmt.Errorf("run.source must be %q or %q, got %q", SourceArchive, SourceLocal, c.Run.Source)
	}
	return nil
}

func (c *Config) validateArchive() error {
	if c.Archive.TimeoutSeconds <= 0 {
		return errors.New("archive.timeout_seconds must be positive")
	}
	if c.Archive.URL != "" && !strings.HasPrefix(c.Archive.URL, "http://") && !strings.HasPrefix(c.Archive.URL, "https://") {
		return fmt.Errorf("archive.url must start with http:// or https://, got %q", c.Archive.URL)
	}
	return nil
}

func (c *Config) validateRegistry() error {
	cols := c.Registry.Columns
	required := map[string]string{
		"registry.columns.subject_id":       cols.SubjectID,
		"registry.columns.mrn":              cols.MRN,
		"registry.columns.first_name":       cols.FirstName,
		"registry.columns.last_name":        cols.LastName,
		"registry.columns.dob":              cols.DOB,
		"registry.columns.diagnosis":        cols.Diagnosis,
		"registry.columns.age_at_diagnosis": cols.AgeAtDiagnosis,
	}
	for key, value := range required {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s must be set", key)
		}
	}
	return nil
}

func (c *Config) validateIdentity() error {
	if len(c.Identity.DescriptionPriority) == 0 {
		return errors.New("identity.description_priority must list at least one field")
	}
	for _, field := range c.Identity.DescriptionPriority {
		switch field {
		case "performed", "study", "requested":
		default:
			return fmt.Errorf("identity.description_priority: unknown field %q (use performed, study, requested)", field)
		}
	}
	if c.Identity.SentinelDOB != "" {
		if _, err := time.Parse("20060102", c.Identity.SentinelDOB); err != nil {
			return fmt.Errorf("identity.sentinel_dob must be YYYYMMDD: %w", err)
		}
	}
	return nil
}

func (c *Config) validateClassifier() error {
	seen := make(map[string]struct{}, len(c.Classifier.Regions))
	for i, region := range c.Classifier.Regions {
		if region.Tag == "" || region.Name == "" {
			return fmt.Errorf("classifier.regions[%d]: tag and name must be set", i)
		}
		if len(region.Keywords) == 0 {
			return fmt.Errorf("classifier.regions[%d] (%s): keywords must not be empty", i, region.Tag)
		}
		if _, dup := seen[region.Tag]; dup {
			return fmt.Errorf("classifier.regions[%d]: duplicate tag %q", i, region.Tag)
		}
		seen[region.Tag] = struct{}{}
	}
	return nil
}

func (c *Config) validateRestructure() error {
	if c.Restructure.ShortSidecarThreshold == 0 {
		return errors.New("restructure.short_sidecar_threshold must be positive")
	}
	return nil
}

func (c *Config) validateConversion() error {
	if c.Conversion.TimeoutSeconds <= 0 {
		return errors.New("conversion.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	topic := c.Notifications.NtfyTopic
	if topic != "" && !strings.HasPrefix(topic, "http://") && !strings.HasPrefix(topic, "https://") {
		return fmt.Errorf("notifications.ntfy_topic must be an http(s) URL, got %q", topic)
	}
	return nil
}
