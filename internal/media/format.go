package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Eyevinn/mp4ff/aac"
	"github.com/Eyevinn/mp4ff/avc"
)

// AnnexBToAVC1 converts Annex B NALUs (start code prefixed) to AVC1 format
// (4-byte big-endian length prefixed). A NALU without a start code is taken
// as is.
func AnnexBToAVC1(nalus [][]byte) []byte {
	var total int
	for _, nalu := range nalus {
		total += 4 + len(stripStartCode(nalu))
	}

	out := make([]byte, 0, total)
	for _, nalu := range nalus {
		raw := stripStartCode(nalu)
		out = binary.BigEndian.AppendUint32(out, uint32(len(raw)))
		out = append(out, raw...)
	}
	return out
}

// AVC1ToAnnexB converts an AVC1 sample (length-prefixed NALUs) to Annex B
// with 4-byte start codes.
func AVC1ToAnnexB(sample []byte) ([]byte, error) {
	nalus, err := avc.GetNalusFromSample(sample)
	if err != nil {
		return nil, fmt.Errorf("media: split sample: %w", err)
	}
	out := make([]byte, 0, len(sample))
	for _, nalu := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, nalu...)
	}
	return out, nil
}

// stripStartCode removes a 3-byte or 4-byte Annex B start code prefix.
func stripStartCode(nalu []byte) []byte {
	if len(nalu) >= 4 && nalu[0] == 0 && nalu[1] == 0 && nalu[2] == 0 && nalu[3] == 1 {
		return nalu[4:]
	}
	if len(nalu) >= 3 && nalu[0] == 0 && nalu[1] == 0 && nalu[2] == 1 {
		return nalu[3:]
	}
	return nalu
}

// IsAVCKeyframe reports whether an AVC1 sample contains an IDR slice.
func IsAVCKeyframe(sample []byte) (bool, error) {
	nalus, err := avc.GetNalusFromSample(sample)
	if err != nil {
		return false, fmt.Errorf("media: split sample: %w", err)
	}
	for _, nalu := range nalus {
		if len(nalu) > 0 && avc.GetNaluType(nalu[0]) == avc.NALU_IDR {
			return true, nil
		}
	}
	return false, nil
}

// AVCNaluTypes returns the NAL unit type names in an AVC1 sample, for logging.
func AVCNaluTypes(sample []byte) ([]string, error) {
	nalus, err := avc.GetNalusFromSample(sample)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(nalus))
	for _, nalu := range nalus {
		if len(nalu) > 0 {
			names = append(names, avc.GetNaluType(nalu[0]).String())
		}
	}
	return names, nil
}

// BuildAVCDecoderConfig builds an AVCDecoderConfigurationRecord
// (ISO 14496-15 §5.2.4.1.1) from raw SPS and PPS NAL data (without
// start codes). The SPS must include the NAL header byte (0x67).
func BuildAVCDecoderConfig(sps, pps []byte) []byte {
	if len(sps) < 4 || len(pps) == 0 {
		return nil
	}

	buf := make([]byte, 0, 11+len(sps)+len(pps))
	buf = append(buf, 1)      // configurationVersion
	buf = append(buf, sps[1]) // AVCProfileIndication
	buf = append(buf, sps[2]) // profile_compatibility
	buf = append(buf, sps[3]) // AVCLevelIndication
	buf = append(buf, 0xFF)   // lengthSizeMinusOne = 3 | reserved 0xFC
	buf = append(buf, 0xE1)   // numOfSequenceParameterSets = 1 | reserved 0xE0

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(sps)))
	buf = append(buf, sps...)

	buf = append(buf, 1) // numOfPictureParameterSets
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(pps)))
	buf = append(buf, pps...)

	return buf
}

// AVCConfigInfo summarizes an AVC decoder configuration record.
type AVCConfigInfo struct {
	Codec string // RFC 6381 codec string, e.g. "avc1.42c01e"
	SPS   int
	PPS   int
	// ParamSets holds the SPS then PPS NAL units, in record order.
	ParamSets [][]byte
}

// errShortConfig reports a configuration record shorter than its header.
var errShortConfig = errors.New("media: configuration record too short")

// DescribeAVCDecoderConfig reads the profile, level and parameter set counts
// from an AVC decoder configuration record.
func DescribeAVCDecoderConfig(rec []byte) (AVCConfigInfo, error) {
	var info AVCConfigInfo
	if len(rec) < 7 || rec[0] != 1 {
		return info, errShortConfig
	}
	info.Codec = fmt.Sprintf("avc1.%02x%02x%02x", rec[1], rec[2], rec[3])
	info.SPS = int(rec[5] & 0x1f)
	pos := 6
	for i := 0; i < info.SPS; i++ {
		n, ok := paramSetLen(rec, pos)
		if !ok {
			return info, errShortConfig
		}
		if avc.GetNaluType(rec[pos+2]) != avc.NALU_SPS {
			return info, fmt.Errorf("media: expected SPS, got %s", avc.GetNaluType(rec[pos+2]))
		}
		info.ParamSets = append(info.ParamSets, rec[pos+2:pos+2+n])
		pos += 2 + n
	}
	if pos >= len(rec) {
		return info, errShortConfig
	}
	info.PPS = int(rec[pos])
	pos++
	for i := 0; i < info.PPS; i++ {
		n, ok := paramSetLen(rec, pos)
		if !ok {
			return info, errShortConfig
		}
		if avc.GetNaluType(rec[pos+2]) != avc.NALU_PPS {
			return info, fmt.Errorf("media: expected PPS, got %s", avc.GetNaluType(rec[pos+2]))
		}
		info.ParamSets = append(info.ParamSets, rec[pos+2:pos+2+n])
		pos += 2 + n
	}
	return info, nil
}

// paramSetLen returns the length of the non-empty parameter set whose
// 16-bit length starts at pos.
func paramSetLen(rec []byte, pos int) (int, bool) {
	if pos+2 > len(rec) {
		return 0, false
	}
	n := int(binary.BigEndian.Uint16(rec[pos:]))
	if n == 0 || pos+2+n > len(rec) {
		return 0, false
	}
	return n, true
}

// BuildAACConfig encodes an AAC AudioSpecificConfig.
func BuildAACConfig(objectType byte, sampleRate, channels int) ([]byte, error) {
	asc := aac.AudioSpecificConfig{
		ObjectType:           objectType,
		ChannelConfiguration: byte(channels),
		SamplingFrequency:    sampleRate,
	}
	var buf bytes.Buffer
	if err := asc.Encode(&buf); err != nil {
		return nil, fmt.Errorf("media: encode AudioSpecificConfig: %w", err)
	}
	return buf.Bytes(), nil
}

// AACConfigInfo summarizes an AAC AudioSpecificConfig.
type AACConfigInfo struct {
	ObjectType byte
	SampleRate int
	Channels   int
}

// DescribeAACConfig decodes an AAC AudioSpecificConfig.
func DescribeAACConfig(asc []byte) (AACConfigInfo, error) {
	cfg, err := aac.DecodeAudioSpecificConfig(bytes.NewReader(asc))
	if err != nil {
		return AACConfigInfo{}, fmt.Errorf("media: decode AudioSpecificConfig: %w", err)
	}
	return AACConfigInfo{
		ObjectType: cfg.ObjectType,
		SampleRate: cfg.SamplingFrequency,
		Channels:   int(cfg.ChannelConfiguration),
	}, nil
}
