package stt

import "fmt"

// mockVoiceThreshold is the peak amplitude above which a chunk counts as speech.
const mockVoiceThreshold = 500

type mockModel struct{}

// NewMockModel returns a deterministic recognizer: a run of voiced chunks followed by a
// silent chunk completes a boundary whose text is "utterance-N".
func NewMockModel() Model {
	return &mockModel{}
}

func (m *mockModel) NewSession(sampleRate int) (Session, error) {
	return &mockSession{sampleRate: sampleRate}, nil
}

func (m *mockModel) Name() string { return "mock" }

func (m *mockModel) Close() error { return nil }

type mockSession struct {
	sampleRate int
	voiced     int
	count      int
	pending    string
}

func (s *mockSession) AcceptChunk(chunk []int16) (bool, error) {
	if isVoiced(chunk) {
		s.voiced += len(chunk)
		return false, nil
	}
	if s.voiced == 0 {
		return false, nil
	}
	s.pending = s.nextText()
	return true, nil
}

func (s *mockSession) PartialResult() (string, error) {
	text := s.pending
	s.pending = ""
	return text, nil
}

func (s *mockSession) Finalize() (string, error) {
	if s.voiced == 0 {
		return "", nil
	}
	return s.nextText(), nil
}

func (s *mockSession) Close() {}

func (s *mockSession) nextText() string {
	s.count++
	s.voiced = 0
	return fmt.Sprintf("utterance-%d", s.count)
}

func isVoiced(chunk []int16) bool {
	for _, v := range chunk {
		if v > mockVoiceThreshold || v < -mockVoiceThreshold {
			return true
		}
	}
	return false
}
