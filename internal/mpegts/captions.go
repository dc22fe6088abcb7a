package mpegts

import "github.com/zsiec/ccx"

// Caption is decoded caption text from one SEI message. Channels 1-4 are
// CEA-608 CC1-CC4; 7-12 are CEA-708 services 1-6.
type Caption struct {
	Channel int
	Text    string
}

// captionDecoder turns caption SEI payloads carried in the video stream
// into text. It keeps per-channel decoder state across frames.
type captionDecoder struct {
	cea608 map[int]*ccx.CEA608Decoder
	cea708 map[int]*ccx.CEA708Service
	dtvcc  []byte

	frame         int64
	lastCtrl      [2][2]byte
	lastWasCtrl   [2]bool
	lastCtrlFrame [2]int64
}

func newCaptionDecoder() *captionDecoder {
	c := &captionDecoder{}
	c.reset()
	return c
}

// reset drops all decoder state, used after a seek.
func (c *captionDecoder) reset() {
	c.cea608 = make(map[int]*ccx.CEA608Decoder, 4)
	for ch := 1; ch <= 4; ch++ {
		c.cea608[ch] = ccx.NewCEA608Decoder()
	}
	c.cea708 = make(map[int]*ccx.CEA708Service, 6)
	for svc := 1; svc <= 6; svc++ {
		c.cea708[svc] = ccx.NewCEA708Service()
	}
	c.dtvcc = c.dtvcc[:0]
	c.lastWasCtrl = [2]bool{}
}

// nextFrame advances the frame counter used to drop doubled control codes.
func (c *captionDecoder) nextFrame() {
	c.frame++
}

func (c *captionDecoder) decode(sei []byte) []Caption {
	cd := ccx.ExtractCaptions(sei)
	if cd == nil {
		return nil
	}

	var out []Caption
	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]
		f := pair.Field

		// CEA-608 transmits control codes twice; act on the first only.
		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			if c.lastWasCtrl[f] && c.lastCtrl[f] == cp && c.frame-c.lastCtrlFrame[f] <= 2 {
				c.lastWasCtrl[f] = false
				continue
			}
			c.lastCtrl[f] = cp
			c.lastWasCtrl[f] = true
			c.lastCtrlFrame[f] = c.frame
		} else {
			c.lastWasCtrl[f] = false
		}

		dec := c.cea608[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			out = append(out, Caption{Channel: pair.Channel, Text: text})
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			out = append(out, c.drainDTVCC()...)
			c.dtvcc = c.dtvcc[:0]
		}
		c.dtvcc = append(c.dtvcc, t.Data[0], t.Data[1])
	}
	return out
}

func (c *captionDecoder) drainDTVCC() []Caption {
	if len(c.dtvcc) < 1 {
		return nil
	}
	size := ccx.DTVCCPacketSize(c.dtvcc[0])
	if len(c.dtvcc) < size {
		return nil
	}

	var out []Caption
	for _, block := range ccx.ParseDTVCCPacket(c.dtvcc[:size]) {
		svc := c.cea708[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		if text := svc.DisplayText(); text != "" {
			out = append(out, Caption{Channel: block.ServiceNum + 6, Text: text})
		}
	}
	return out
}
