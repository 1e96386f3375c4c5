// Package dicommeta reads the DICOM header attributes imagedeid needs for
// session labelling, modality pruning, and sidecar enrichment.
//
// Headers are parsed without pixel data. Every attribute comes back as a
// Field that distinguishes "never located" from "present but empty", since
// the session labeller treats those cases differently.
package dicommeta
