// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package codec

import (
	"bytes"
	"encoding/binary"
	"math"
)

// magicRecord identifica o início de um transmission record no wire/buffer.
var magicRecord = [2]byte{'T', 'R'}

// recordVersion é a versão atual do encoding. Incrementada se o layout mudar.
const recordVersion byte = 0x01

// presence bits dentro do byte de flags: bits 0-3 seguem a ordem dos campos
// opcionais no field numbering do wire (speed..heading); o bit 4 marca is_resync.
const (
	presenceSpeed   byte = 1 << 0
	presencePower   byte = 1 << 1
	presenceBattery byte = 1 << 2
	presenceHeading byte = 1 << 3
	presenceResync  byte = 1 << 4
)

// Encode serializa um Record no formato binário compartilhado com o
// server. Formato:
//
//	Magic "TR" [2B] Version [1B] Flags [1B]
//	Timestamp int64 BE [8B]
//	Odometer float32 BE [4B]
//	Speed float32 BE [4B, somente se presente]
//	Power float32 BE [4B, somente se presente]
//	Battery int32 BE [4B, somente se presente]
//	Heading int32 BE [4B, somente se presente]
//
// Campos opcionais ausentes simplesmente não ocupam espaço no wire —
// o decoder usa o byte de flags para saber o que ler.
func Encode(r Record) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	var flags byte
	if r.IsResync {
		flags |= presenceResync
	}
	if r.Speed.Present {
		flags |= presenceSpeed
	}
	if r.Power.Present {
		flags |= presencePower
	}
	if r.Battery.Present {
		flags |= presenceBattery
	}
	if r.Heading.Present {
		flags |= presenceHeading
	}

	buf := &bytes.Buffer{}
	buf.Write(magicRecord[:])
	buf.WriteByte(recordVersion)
	buf.WriteByte(flags)

	if err := binary.Write(buf, binary.BigEndian, r.Timestamp); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, math.Float32bits(r.Odometer)); err != nil {
		return nil, err
	}
	if r.Speed.Present {
		if err := binary.Write(buf, binary.BigEndian, math.Float32bits(r.Speed.Value)); err != nil {
			return nil, err
		}
	}
	if r.Power.Present {
		if err := binary.Write(buf, binary.BigEndian, math.Float32bits(r.Power.Value)); err != nil {
			return nil, err
		}
	}
	if r.Battery.Present {
		if err := binary.Write(buf, binary.BigEndian, r.Battery.Value); err != nil {
			return nil, err
		}
	}
	if r.Heading.Present {
		if err := binary.Write(buf, binary.BigEndian, r.Heading.Value); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}
