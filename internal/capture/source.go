package capture

import (
	"fmt"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"

	"firestige.xyz/strix/internal/config"
)

// packetSource reads raw frames from an AF_PACKET TPACKET_V3 ring.
// Opening it requires CAP_NET_RAW.
type packetSource struct {
	handle *afpacket.TPacket
}

// newPacketSource opens the capture ring on the configured interface and
// installs the SIP/RTP BPF filter.
func newPacketSource(cfg config.CaptureConfig) (*packetSource, error) {
	if cfg.Interface == "" {
		return nil, fmt.Errorf("capture.interface is required")
	}

	pageSize := os.Getpagesize()
	frameSize, blockSize, numBlocks, err := recomputeSize(cfg.BufferSizeMB, cfg.SnapLen, pageSize)
	if err != nil {
		return nil, err
	}

	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(cfg.Interface),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(time.Duration(cfg.PollTimeoutMs)*time.Millisecond),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("open af_packet on %s: %w", cfg.Interface, err)
	}

	filter := buildFilter(cfg)
	pcapBPF, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, frameSize, filter)
	if err != nil {
		tp.Close()
		return nil, fmt.Errorf("compile bpf %q: %w", filter, err)
	}
	rawBPF := make([]bpf.RawInstruction, len(pcapBPF))
	for i, inst := range pcapBPF {
		rawBPF[i] = bpf.RawInstruction{
			Op: inst.Code,
			Jt: inst.Jt,
			Jf: inst.Jf,
			K:  inst.K,
		}
	}
	if err := tp.SetBPF(rawBPF); err != nil {
		tp.Close()
		return nil, fmt.Errorf("set bpf: %w", err)
	}

	return &packetSource{handle: tp}, nil
}

// buildFilter renders the capture filter: SIP signaling plus the RTP media
// port range.
func buildFilter(cfg config.CaptureConfig) string {
	return fmt.Sprintf("udp and (port 5060 or portrange %d-%d)", cfg.RTPPortMin, cfg.RTPPortMax)
}

// ReadPacket returns the next raw frame.
func (s *packetSource) ReadPacket() ([]byte, gopacket.CaptureInfo, error) {
	return s.handle.ReadPacketData()
}

// Close releases the ring.
func (s *packetSource) Close() {
	s.handle.Close()
}

// recomputeSize recalculates frame size, block size, and block count to meet
// the PACKET_MMAP alignment rules within the target memory budget:
// frameSize aligned to TPACKET_ALIGNMENT, blockSize a multiple of both the
// page size and frameSize, blockSize × numBlocks ≈ the MB budget.
func recomputeSize(ringBufferSizeMB, snapLen, pageSize int) (frameSize, blockSize, numBlocks int, err error) {
	const tpacketAlignment = 16
	const tpacketHdrLen = 52

	if ringBufferSizeMB <= 0 {
		return 0, 0, 0, fmt.Errorf("ringBufferSizeMB must be positive, got %d", ringBufferSizeMB)
	}
	if snapLen <= 0 {
		return 0, 0, 0, fmt.Errorf("snapLen must be positive, got %d", snapLen)
	}
	if pageSize <= 0 || pageSize%tpacketAlignment != 0 {
		return 0, 0, 0, fmt.Errorf("pageSize must be positive and multiple of %d, got %d", tpacketAlignment, pageSize)
	}

	targetBytes := ringBufferSizeMB * 1024 * 1024

	rawFrameSize := tpacketHdrLen + snapLen
	frameSize = ((rawFrameSize + tpacketAlignment - 1) / tpacketAlignment) * tpacketAlignment

	minBlockSize := pageSize
	if minBlockSize < frameSize {
		minBlockSize = frameSize
	}

	blockSize = lcm(pageSize, frameSize)

	maxBlockSize := 4 * 1024 * 1024
	if blockSize < minBlockSize {
		blockSize = minBlockSize
	}
	if blockSize > maxBlockSize {
		blockSize = maxBlockSize
		blockSize = (blockSize / pageSize) * pageSize
	}

	numBlocks = targetBytes / blockSize
	if numBlocks < 1 {
		numBlocks = 1
	}

	if blockSize%frameSize != 0 {
		framesPerBlock := blockSize / frameSize
		if framesPerBlock < 1 {
			framesPerBlock = 1
		}
		blockSize = framesPerBlock * frameSize
		blockSize = ((blockSize + pageSize - 1) / pageSize) * pageSize
	}

	return frameSize, blockSize, numBlocks, nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return (a * b) / gcd(a, b)
}
