// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package ops

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// CString is a byte string captured from the traced process. It need not be
// valid UTF-8, so its JSON form is an array of byte values.
type CString string

func (s CString) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i := 0; i < len(s); i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%d", s[i])
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (s *CString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = ""
		return nil
	}
	// Plain strings are accepted for hand-written fixtures.
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = CString(str)
		return nil
	}
	// []uint8 would be read as base64, so go through a wider type.
	var wide []uint16
	if err := json.Unmarshal(b, &wide); err != nil {
		return errors.Wrap(err, "byte string")
	}
	vals := make([]byte, len(wide))
	for i, v := range wide {
		if v > 0xff {
			return errors.Errorf("byte string element %d out of range: %d", i, v)
		}
		vals[i] = uint8(v)
	}
	*s = CString(vals)
	return nil
}

type jsonOp struct {
	Type         string          `json:"_type"`
	Data         json.RawMessage `json:"data"`
	Time         Timespec        `json:"time"`
	PthreadID    uint64          `json:"pthread_id"`
	ISOCThreadID uint64          `json:"iso_c_thread_id"`
}

// MarshalJSON writes the packaged-form representation of op.
func (op Op) MarshalJSON() ([]byte, error) {
	if op.Data == nil {
		return nil, errors.Wrap(ErrInvalidVariant, "op without data")
	}
	data, err := json.Marshal(op.Data)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	fields["_type"], _ = json.Marshal(op.Data.Code().String())
	data, err = json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonOp{
		Type:         "Op",
		Data:         data,
		Time:         op.Time,
		PthreadID:    op.PthreadID,
		ISOCThreadID: op.ISOCThreadID,
	})
}

func unmarshalAs[T Data](raw []byte) (Data, error) {
	var d T
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// UnmarshalJSON reads the packaged-form representation of an op.
func (op *Op) UnmarshalJSON(b []byte) error {
	var j jsonOp
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	if j.Type != "Op" {
		return errors.Errorf("unexpected record type %q", j.Type)
	}
	var tag struct {
		Type string `json:"_type"`
	}
	if err := json.Unmarshal(j.Data, &tag); err != nil {
		return errors.Wrap(err, "reading variant")
	}
	code, err := ParseOpCode(tag.Type)
	if err != nil {
		return err
	}
	var data Data
	switch code {
	case CodeInitProcess:
		data, err = unmarshalAs[InitProcessOp](j.Data)
	case CodeInitThread:
		data, err = unmarshalAs[InitThreadOp](j.Data)
	case CodeOpen:
		data, err = unmarshalAs[OpenOp](j.Data)
	case CodeClose:
		data, err = unmarshalAs[CloseOp](j.Data)
	case CodeChdir:
		data, err = unmarshalAs[ChdirOp](j.Data)
	case CodeExec:
		data, err = unmarshalAs[ExecOp](j.Data)
	case CodeClone:
		data, err = unmarshalAs[CloneOp](j.Data)
	case CodeExit:
		data, err = unmarshalAs[ExitOp](j.Data)
	case CodeAccess:
		data, err = unmarshalAs[AccessOp](j.Data)
	case CodeStat:
		data, err = unmarshalAs[StatOp](j.Data)
	case CodeChown:
		data, err = unmarshalAs[ChownOp](j.Data)
	case CodeChmod:
		data, err = unmarshalAs[ChmodOp](j.Data)
	case CodeReadLink:
		data, err = unmarshalAs[ReadLinkOp](j.Data)
	default:
		return errors.Wrapf(ErrInvalidVariant, "op code %d", uint32(code))
	}
	if err != nil {
		return errors.Wrapf(err, "decoding %v", code)
	}
	*op = Op{Data: data, Time: j.Time, PthreadID: j.PthreadID, ISOCThreadID: j.ISOCThreadID}
	return nil
}
