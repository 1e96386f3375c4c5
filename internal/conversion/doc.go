// Package conversion drives dcm2niix over acquisition directories.
//
// Each acquisition gets one primary attempt. When that fails or produces no
// volume, every DICOM file is decompressed in place with gdcmconv and
// dcm2niix runs once more. Successful conversions have their sidecars
// enriched with voxel spacing read from the DICOM headers.
package conversion
