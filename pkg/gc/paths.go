// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package gc

import (
	"path/filepath"
	"strconv"
)

// PayloadPathFunc returns the on-disk path of a version's payload
// file. The default layout mirrors the front end's write path:
// <dataPath>/payloads/<objectID>/<versionID>.
type PayloadPathFunc func(objectID, versionID string) string

// PartPathFunc returns the on-disk path of one part of a multipart
// upload: <dataPath>/parts/<uploadID>/<partNum>.
type PartPathFunc func(uploadID string, partNum int) string

// DefaultPayloadPath builds the standard payload path under dataPath.
func DefaultPayloadPath(dataPath string) PayloadPathFunc {
	return func(objectID, versionID string) string {
		return filepath.Join(dataPath, "payloads", objectID, versionID)
	}
}

// DefaultPartPath builds the standard part path under dataPath.
func DefaultPartPath(dataPath string) PartPathFunc {
	return func(uploadID string, partNum int) string {
		return filepath.Join(dataPath, "parts", uploadID, strconv.Itoa(partNum))
	}
}
