// Package archive talks to the Orthanc REST API that holds the raw studies.
//
// The client lists studies, inspects series modalities so low-value studies
// can be skipped before download, looks up patient birth dates for identity
// reconciliation, and downloads a study archive which is then unpacked into
// the workspace input tree. Orthanc answers with its usual
// {"ID": ..., "MainDicomTags": {...}} resource shapes.
package archive
