package mpegts

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	NALTypeIDR = 5
	NALTypeSEI = 6
	NALTypeSPS = 7
)

// H.265 NAL unit types (ITU-T H.265 Table 7-1).
const (
	HEVCNALBlaWLP    = 16
	HEVCNALCraNut    = 21
	HEVCNALSEIPrefix = 39
)

// NALUnit is one NAL unit found in an Annex B byte stream.
type NALUnit struct {
	Type byte   // 5-bit for H.264, 6-bit for H.265
	Data []byte // NAL header and payload, without start code
}

// splitAnnexB scans data for 3- and 4-byte start codes and returns the NAL
// units between them. Units shorter than minNALBytes are skipped.
func splitAnnexB(data []byte, minNALBytes int, nalType func([]byte) byte) []NALUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type span struct{ sc, start int }
	var spans []span
	for i := 0; i < n-2; {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				spans = append(spans, span{i, i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				spans = append(spans, span{i, i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []NALUnit
	for k, s := range spans {
		end := n
		if k+1 < len(spans) {
			end = spans[k+1].sc
		}
		if s.start >= end || end-s.start < minNALBytes {
			continue
		}
		nal := data[s.start:end]
		units = append(units, NALUnit{Type: nalType(nal), Data: nal})
	}
	return units
}

// ParseAnnexB splits an H.264 Annex B access unit into NAL units.
func ParseAnnexB(data []byte) []NALUnit {
	return splitAnnexB(data, 1, func(d []byte) byte { return d[0] & 0x1F })
}

// ParseAnnexBHEVC splits an H.265 Annex B access unit into NAL units using
// the 2-byte HEVC NAL header.
func ParseAnnexBHEVC(data []byte) []NALUnit {
	return splitAnnexB(data, 2, func(d []byte) byte { return (d[0] >> 1) & 0x3F })
}

// IsKeyframe reports whether an H.264 NAL type starts a decodable picture.
// An SPS counts: encoders that emit recovery-point I-frames repeat it there.
func IsKeyframe(nalType byte) bool {
	return nalType == NALTypeIDR || nalType == NALTypeSPS
}

// IsHEVCKeyframe reports whether an H.265 NAL type is a random access point
// (BLA, IDR or CRA).
func IsHEVCKeyframe(nalType byte) bool {
	return nalType >= HEVCNALBlaWLP && nalType <= HEVCNALCraNut
}
