package models

import (
	"path"
	"strings"
	"time"
)

// FileType is a supported GROMACS input format.
type FileType string

const (
	FileTypePDB FileType = "pdb"
	FileTypeXTC FileType = "xtc"
	FileTypeTRR FileType = "trr"
	FileTypeTPR FileType = "tpr"
	FileTypeGRO FileType = "gro"
	FileTypeTOP FileType = "top"
	FileTypeITP FileType = "itp"
	FileTypeRTP FileType = "rtp"
	FileTypePRM FileType = "prm"
	FileTypeZIP FileType = "zip"
)

var knownFileTypes = map[string]FileType{
	"pdb": FileTypePDB,
	"xtc": FileTypeXTC,
	"trr": FileTypeTRR,
	"tpr": FileTypeTPR,
	"gro": FileTypeGRO,
	"top": FileTypeTOP,
	"itp": FileTypeITP,
	"rtp": FileTypeRTP,
	"prm": FileTypePRM,
	"zip": FileTypeZIP,
}

// DetectFileType maps a filename extension to a FileType.
func DetectFileType(filename string) (FileType, bool) {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
	ft, ok := knownFileTypes[ext]
	return ft, ok
}

// IsTrajectory reports whether the type is subject to the larger trajectory size limit.
func (t FileType) IsTrajectory() bool {
	return t == FileTypeXTC || t == FileTypeTRR
}

// JobFile is an input file reference. Bytes live in blob storage under StorageKey.
type JobFile struct {
	Filename   string    `json:"filename"`
	FileType   FileType  `json:"file_type"`
	SizeBytes  int64     `json:"size_bytes"`
	StorageKey string    `json:"storage_key"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// ValidFilename rejects names that could escape a job's storage prefix.
func ValidFilename(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}
