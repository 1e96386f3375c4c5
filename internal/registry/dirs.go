package registry

import (
	"fmt"
	"strings"

	"imagedeid/internal/services"
)

// SubjectFromDirs parses a subject directory named "MRN LAST FIRST" and a
// session directory whose first token is the accession number. The MRN keeps
// its original form; matching normalizes it.
func SubjectFromDirs(subjectDir, sessionDir string) (Subject, error) {
	parts := strings.Fields(subjectDir)
	if len(parts) < 3 {
		return Subject{}, services.Wrap(services.ErrValidation, "registry", "parse subject dir",
			fmt.Sprintf("expected \"MRN LAST FIRST\", got %d tokens", len(parts)), nil)
	}
	session := strings.Fields(sessionDir)
	if len(session) == 0 {
		return Subject{}, services.Wrap(services.ErrValidation, "registry", "parse session dir", "empty session directory name", nil)
	}
	return Subject{
		MRN:       parts[0],
		LastName:  parts[1],
		FirstName: parts[2],
		Accession: session[0],
	}, nil
}
