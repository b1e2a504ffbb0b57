package recognition

import (
	"github.com/Kagami/go-face"
)

// MockDlibEngine implements faceEngine for testing
type MockDlibEngine struct {
	RecognizeFunc func(jpeg []byte) ([]face.Face, error)
	CloseFunc     func()
	Calls         int
}

func (m *MockDlibEngine) Recognize(jpeg []byte) ([]face.Face, error) {
	m.Calls++
	if m.RecognizeFunc != nil {
		return m.RecognizeFunc(jpeg)
	}
	return nil, nil
}

func (m *MockDlibEngine) Close() {
	if m.CloseFunc != nil {
		m.CloseFunc()
	}
}
