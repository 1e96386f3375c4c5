package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeRun()
	if err := c.normalizeArchive(); err != nil {
		return err
	}
	c.normalizeIdentity()
	c.normalizeClassifier()
	c.normalizeProjects()
	c.normalizeRestructure()
	c.normalizeConversion()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.WorkRoot) == "" {
		c.Paths.WorkRoot = defaultWorkRoot
	}
	if c.Paths.WorkRoot, err = expandPath(c.Paths.WorkRoot); err != nil {
		return fmt.Errorf("paths.work_root: %w", err)
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.RegistryCSV) == "" {
		if value, ok := os.LookupEnv("SUBJECT_ID_MAPPING_PATH"); ok {
			c.Paths.RegistryCSV = strings.TrimSpace(value)
		}
	}
	if c.Paths.RegistryCSV, err = expandPath(strings.TrimSpace(c.Paths.RegistryCSV)); err != nil {
		return fmt.Errorf("paths.registry_csv: %w", err)
	}
	if c.Paths.DiagnosisMap, err = expandPath(strings.TrimSpace(c.Paths.DiagnosisMap)); err != nil {
		return fmt.Errorf("paths.diagnosis_map: %w", err)
	}
	return nil
}

func (c *Config) normalizeRun() {
	c.Run.Program = strings.TrimSpace(c.Run.Program)
	if c.Run.Program == "" {
		c.Run.Program = defaultProgram
	}
	c.Run.Site = strings.TrimSpace(c.Run.Site)
	if c.Run.Site == "" {
		c.Run.Site = defaultSite
	}
	c.Run.Source = strings.ToLower(strings.TrimSpace(c.Run.Source))
	if c.Run.Source == "" {
		c.Run.Source = defaultSource
	}
}

// normalizeArchive applies ORTHANC_HOST / ORTHANC_PORT / ORTHANC_CREDENTIALS
// when the config file leaves the connection unset.
func (c *Config) normalizeArchive() error {
	c.Archive.URL = strings.TrimRight(strings.TrimSpace(c.Archive.URL), "/")
	if c.Archive.URL == "" {
		if host, ok := os.LookupEnv("ORTHANC_HOST"); ok && strings.TrimSpace(host) != "" {
			port := "80"
			if value, ok := os.LookupEnv("ORTHANC_PORT"); ok && strings.TrimSpace(value) != "" {
				port = strings.TrimSpace(value)
			}
			c.Archive.URL = (&url.URL{Scheme: "http", Host: strings.TrimSpace(host) + ":" + port}).String()
		}
	}
	if c.Archive.Username == "" && c.Archive.Password == "" {
		if creds, ok := os.LookupEnv("ORTHANC_CREDENTIALS"); ok {
			user, pass, _ := strings.Cut(strings.TrimSpace(creds), ":")
			c.Archive.Username = user
			c.Archive.Password = pass
		}
	}
	if c.Archive.TimeoutSeconds <= 0 {
		c.Archive.TimeoutSeconds = defaultArchiveTimeoutSeconds
	}
	c.Archive.SkipModalities = normalizeUpperList(c.Archive.SkipModalities)
	return nil
}

func (c *Config) normalizeIdentity() {
	priority := make([]string, 0, len(c.Identity.DescriptionPriority))
	for _, field := range c.Identity.DescriptionPriority {
		if trimmed := strings.ToLower(strings.TrimSpace(field)); trimmed != "" {
			priority = append(priority, trimmed)
		}
	}
	c.Identity.DescriptionPriority = priority
	c.Identity.SentinelDOB = strings.TrimSpace(c.Identity.SentinelDOB)
	if c.Identity.MRNPadWidth <= 0 {
		c.Identity.MRNPadWidth = defaultMRNPadWidth
	}
}

func (c *Config) normalizeClassifier() {
	if len(c.Classifier.Regions) == 0 {
		c.Classifier.Regions = DefaultRegions()
		return
	}
	for i := range c.Classifier.Regions {
		region := &c.Classifier.Regions[i]
		region.Tag = strings.TrimSpace(region.Tag)
		region.Name = strings.TrimSpace(region.Name)
		keywords := make([]string, 0, len(region.Keywords))
		for _, kw := range region.Keywords {
			if trimmed := strings.ToLower(strings.TrimSpace(kw)); trimmed != "" {
				keywords = append(keywords, trimmed)
			}
		}
		region.Keywords = keywords
	}
}

func (c *Config) normalizeProjects() {
	if len(c.Projects.DiagnosisMap) > 0 {
		cleaned := make(map[string]string, len(c.Projects.DiagnosisMap))
		for diagnosis, collection := range c.Projects.DiagnosisMap {
			cleaned[strings.TrimSpace(diagnosis)] = strings.TrimSpace(collection)
		}
		c.Projects.DiagnosisMap = cleaned
	}
	c.Projects.CatchAllDiagnosis = strings.TrimSpace(c.Projects.CatchAllDiagnosis)
	c.Projects.NotReportedDiagnosis = strings.TrimSpace(c.Projects.NotReportedDiagnosis)
	if c.Projects.NotReportedDiagnosis == "" {
		c.Projects.NotReportedDiagnosis = defaultNotReportedDiagnosis
	}
}

func (c *Config) normalizeRestructure() {
	if c.Restructure.ShortSidecarThreshold < 0 {
		c.Restructure.ShortSidecarThreshold = 0
	}
	c.Restructure.PHIRiskKeywords = normalizeLowerList(c.Restructure.PHIRiskKeywords)
	c.Restructure.PruneModalities = normalizeUpperList(c.Restructure.PruneModalities)
	c.Restructure.DiffusionTimezones = normalizeUpperList(c.Restructure.DiffusionTimezones)
}

func (c *Config) normalizeConversion() {
	c.Conversion.Dcm2niixBinary = strings.TrimSpace(c.Conversion.Dcm2niixBinary)
	if c.Conversion.Dcm2niixBinary == "" {
		c.Conversion.Dcm2niixBinary = defaultDcm2niixBinary
	}
	c.Conversion.GdcmconvBinary = strings.TrimSpace(c.Conversion.GdcmconvBinary)
	if c.Conversion.GdcmconvBinary == "" {
		c.Conversion.GdcmconvBinary = defaultGdcmconvBinary
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeoutSeconds <= 0 {
		c.Notifications.RequestTimeoutSeconds = defaultNotifyTimeoutSeconds
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}

func normalizeUpperList(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		normalized := strings.ToUpper(strings.TrimSpace(value))
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}

func normalizeLowerList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if normalized := strings.ToLower(strings.TrimSpace(value)); normalized != "" {
			out = append(out, normalized)
		}
	}
	return out
}
