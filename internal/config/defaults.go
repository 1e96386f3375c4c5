package config

const (
	defaultWorkRoot              = "~/.local/share/imagedeid/work"
	defaultStateDir              = "~/.local/share/imagedeid"
	defaultProgram               = "cbtn"
	defaultSite                  = "chop"
	defaultSource                = SourceArchive
	defaultArchiveTimeoutSeconds = 300
	defaultSentinelDOB           = "19010101"
	defaultMRNPadWidth           = 8
	defaultShortSidecarThreshold = 20
	defaultDcm2niixBinary        = "dcm2niix"
	defaultGdcmconvBinary        = "gdcmconv"
	defaultNotifyTimeoutSeconds  = 10
	defaultConversionTimeout     = 1800
	defaultLogLevel              = "info"
	defaultLogRetentionDays      = 30
	defaultCatchAllDiagnosis     = "Supratentorial or Spinal Cord PNET"
	defaultNotReportedDiagnosis  = "Not Reported"
)

// Study sources accepted by run.source.
const (
	SourceArchive = "archive"
	SourceLocal   = "local"
)

// DefaultRegions returns the body-region keyword table in match order.
func DefaultRegions() []Region {
	return []Region{
		{Tag: "B", Name: "brain", Keywords: []string{"brain", "head", "stealth", "neuro", "orbits", "spectroscopy"}},
		{Tag: "F", Name: "face", Keywords: []string{"face", "maxillofacial"}},
		{Tag: "S", Name: "spine", Keywords: []string{"spine"}},
		{Tag: "N", Name: "neck", Keywords: []string{"neck"}},
		{Tag: "P", Name: "pituitary", Keywords: []string{"pituitary"}},
		{Tag: "Si", Name: "sinuses", Keywords: []string{"sinuses", "sinus"}},
		{Tag: "C", Name: "chest", Keywords: []string{"chest"}},
		{Tag: "Fi", Name: "finger", Keywords: []string{"finger"}},
		{Tag: "IAC", Name: "iac", Keywords: []string{"iac"}},
		{Tag: "Sh", Name: "shoulder", Keywords: []string{"shoulder"}},
		{Tag: "K", Name: "knee", Keywords: []string{"knee"}},
		{Tag: "Bo", Name: "Body", Keywords: []string{"skull base to mid thigh", "hip"}},
	}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkRoot: defaultWorkRoot,
			StateDir: defaultStateDir,
		},
		Run: Run{
			Program: defaultProgram,
			Site:    defaultSite,
			Source:  defaultSource,
		},
		Archive: Archive{
			TimeoutSeconds: defaultArchiveTimeoutSeconds,
			SkipModalities: []string{"DX", "US"},
		},
		Registry: Registry{
			Columns: RegistryColumns{
				SubjectID:      "CBTN Subject ID",
				MRN:            "MRN",
				FirstName:      "First Name",
				LastName:       "Last Name",
				DOB:            "DOB",
				Diagnosis:      "Diagnosis",
				AgeAtDiagnosis: "Age at Diagnosis",
			},
		},
		Identity: Identity{
			DescriptionPriority: []string{"performed", "study", "requested"},
			SentinelDOB:         defaultSentinelDOB,
			MRNPadWidth:         defaultMRNPadWidth,
		},
		Classifier: Classifier{
			Regions: DefaultRegions(),
		},
		Projects: Projects{
			DropDiagnoses:        []string{"Not Reported", "Other"},
			CatchAllDiagnosis:    defaultCatchAllDiagnosis,
			NotReportedDiagnosis: defaultNotReportedDiagnosis,
		},
		Restructure: Restructure{
			ShortSidecarThreshold: defaultShortSidecarThreshold,
			ShortSidecarExemptions: []string{
				"ep2d_diff_mddw_", "Diffusion_Series_Texture", "RGB", "ColFA",
				"DTI_Fibers", "Perfusion_Weighted", "Color_Map", "Vessels_3D",
			},
			PHIRiskKeywords: []string{
				"study_acquired_outside_hospital",
				"screensave", "screen save", "screen_save",
				"cover image", "cover_image",
				"documents",
				"dose_report", "dose report", "dosereport",
				"protocol",
				"capture",
			},
			SidecarPHIFields: []string{
				"DeviceSerialNumber", "ImageComments", "InstitutionAddress",
				"InstitutionalDepartmentName", "InstitutionName",
				"ProcedureStepDescription", "ProtocolName", "StationName",
			},
			PruneModalities:      []string{"OT", "SR", "XA", "US"},
			PruneSessionKeywords: []string{"script", "Bone Scan"},
			DiffusionTimezones:   []string{"EDT", "EST", "PDT", "PST"},
		},
		Conversion: Conversion{
			Dcm2niixBinary: defaultDcm2niixBinary,
			GdcmconvBinary: defaultGdcmconvBinary,
			TimeoutSeconds: defaultConversionTimeout,
		},
		Notifications: Notifications{
			RequestTimeoutSeconds: defaultNotifyTimeoutSeconds,
		},
		Logging: Logging{
			Format:        "console",
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
