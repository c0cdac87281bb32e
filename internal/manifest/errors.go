// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package manifest

import "errors"

// ErrManifestUnavailable is returned when the gateway does not return 200
// for the top-level hash (or the body cannot be parsed as a manifest).
var ErrManifestUnavailable = errors.New("manifest unavailable")
