// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package avrisp

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Signature is the three byte device code read from signature memory:
// vendor ID, part family and flash size, part number.
type Signature [3]byte

// Signature byte indices, in the order they are read.
const (
	SignatureVendor = iota
	SignatureFamily
	SignaturePart
)

// signatureByteNames labels each signature byte for progress output.
var signatureByteNames = [3]string{
	"Vendor ID",
	"Part Family and Flash Size",
	"Part number",
}

// SignatureByteName returns the display name of signature byte i.
func SignatureByteName(i int) string {
	if i < 0 || i >= len(signatureByteNames) {
		return fmt.Sprintf("Signature byte %d", i)
	}
	return signatureByteNames[i]
}

// String returns the lowercase hex form used as the device table key.
func (s Signature) String() string {
	return hex.EncodeToString(s[:])
}

// MarshalText implements encoding.TextMarshaler.
func (s Signature) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Signature) UnmarshalText(text []byte) error {
	parsed, err := ParseSignature(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSignature parses six hex digits, optionally prefixed with 0x and
// optionally separated by spaces or colons ("1E 95 0F", "1e:95:0f").
func ParseSignature(text string) (Signature, error) {
	var sig Signature

	clean := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(text)), "0x")
	clean = strings.NewReplacer(" ", "", ":", "", "-", "").Replace(clean)
	if len(clean) != 2*len(sig) {
		return sig, fmt.Errorf("%w: signature %q must be 3 bytes", ErrInvalidParameter, text)
	}
	if _, err := hex.Decode(sig[:], []byte(clean)); err != nil {
		return sig, fmt.Errorf("%w: signature %q: %w", ErrInvalidParameter, text, err)
	}
	return sig, nil
}

// Condition classifies a signature read.
type Condition int

const (
	// ConditionValid means the signature is a plausible device code.
	ConditionValid Condition = iota
	// ConditionLockBits means the lock bits hide the signature (00 01 02).
	ConditionLockBits
	// ConditionLocked means the device is locked or not ready (vendor 00 or FF).
	ConditionLocked
	// ConditionErased means the code is erased or no target answered (xx FF FF).
	ConditionErased
)

// String returns the condition name.
func (c Condition) String() string {
	switch c {
	case ConditionValid:
		return "valid"
	case ConditionLockBits:
		return "lock bits set"
	case ConditionLocked:
		return "locked or not ready"
	case ConditionErased:
		return "erased or target missing"
	default:
		return fmt.Sprintf("Condition(%d)", int(c))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Condition) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Err returns the sentinel error for a non-valid condition, or nil.
func (c Condition) Err() error {
	switch c {
	case ConditionLockBits:
		return ErrLockBitsSet
	case ConditionLocked:
		return ErrDeviceLocked
	case ConditionErased:
		return ErrTargetMissing
	default:
		return nil
	}
}

// Condition classifies the raw bytes. The checks are ordered: the lock bit
// pattern 00 01 02 would otherwise be reported as a locked vendor ID.
func (s Signature) Condition() Condition {
	switch {
	case s == Signature{0x00, 0x01, 0x02}:
		return ConditionLockBits
	case s[SignatureVendor] == 0x00 || s[SignatureVendor] == 0xFF:
		return ConditionLocked
	case s[SignatureFamily] == 0xFF && s[SignaturePart] == 0xFF:
		return ConditionErased
	default:
		return ConditionValid
	}
}

// Classify resolves a signature against table. Conditions other than
// valid, and valid signatures absent from the table, are reported as a
// *SignatureError.
func Classify(sig Signature, table *DeviceTable) (Condition, *DeviceInfo, error) {
	cond := sig.Condition()
	if err := cond.Err(); err != nil {
		return cond, nil, &SignatureError{Err: err, Signature: sig, Condition: cond}
	}

	info, ok := table.Lookup(sig)
	if !ok {
		return cond, nil, &SignatureError{Err: ErrUnknownSignature, Signature: sig, Condition: cond}
	}
	return cond, info, nil
}
