package services

import "github.com/perceptlab/studybot/internal/models"

// ExportStore abstracts the projection reads behind the export surface.
type ExportStore interface {
	ListParticipants() ([]*models.ParticipantRow, error)
	ListAnswerRows() ([]*models.AnswerRow, error)
}

// ExportService produces the researcher-facing CSV downloads.
type ExportService struct {
	store ExportStore
}

func NewExportService(store ExportStore) *ExportService {
	return &ExportService{store: store}
}

func (s *ExportService) ParticipantsCSV() ([]byte, error) {
	rows, err := s.store.ListParticipants()
	if err != nil {
		return nil, err
	}
	return ParticipantsCSV(rows)
}

func (s *ExportService) AnswersCSV() ([]byte, error) {
	rows, err := s.store.ListAnswerRows()
	if err != nil {
		return nil, err
	}
	return AnswersCSV(rows)
}
