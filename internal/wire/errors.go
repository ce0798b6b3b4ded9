// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package wire

import "errors"

var errMalformed = errors.New("wire: malformed field")
