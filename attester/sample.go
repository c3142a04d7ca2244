package attester

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
)

// SampleEvidence is the evidence format of the sample platform.
type SampleEvidence struct {
	SVN        string `json:"svn"`
	ReportData string `json:"report_data"`
}

// SampleAttester is a software-only provider for tests and development. Its
// evidence proves nothing.
type SampleAttester struct {
	mu        sync.Mutex
	registers map[int][]byte
}

// NewSample returns a sample attester with all registers zeroed.
func NewSample() *SampleAttester {
	return &SampleAttester{registers: make(map[int][]byte)}
}

// Tee implements EvidenceProvider.
func (*SampleAttester) Tee() Tee { return TeeSample }

// GetEvidence implements EvidenceProvider.
func (*SampleAttester) GetEvidence(_ context.Context, reportData []byte) ([]byte, error) {
	if _, err := reportData64(reportData); err != nil {
		return nil, err
	}
	return json.Marshal(SampleEvidence{
		SVN:        "1",
		ReportData: base64.StdEncoding.EncodeToString(reportData),
	})
}

// ExtendRuntimeMeasurement implements EvidenceProvider. The default register
// is 0.
func (s *SampleAttester) ExtendRuntimeMeasurement(_ context.Context, events [][]byte, register int) error {
	if register == DefaultRegister {
		register = 0
	}
	if register < 0 {
		return fmt.Errorf("invalid register index %d", register)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.registers[register]
	if !ok {
		value = make([]byte, 32)
	}
	for _, e := range events {
		value = extendDigest(value, e)
	}
	s.registers[register] = value
	return nil
}

// Register returns the current value of a register.
func (s *SampleAttester) Register(index int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.registers[index]; ok {
		return append([]byte(nil), v...)
	}
	return make([]byte, 32)
}

// ParseSampleEvidence decodes sample evidence and returns the report data it
// carries.
func ParseSampleEvidence(evidence []byte) ([]byte, error) {
	var ev SampleEvidence
	if err := json.Unmarshal(evidence, &ev); err != nil {
		return nil, fmt.Errorf("decoding sample evidence: %w", err)
	}
	return base64.StdEncoding.DecodeString(ev.ReportData)
}
