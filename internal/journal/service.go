package journal

import (
	"context"
	"fmt"
	"log"

	"github.com/antoniostano/journaline/internal/calllog"
)

// TranscriptFetcher retrieves the full transcript of a finished conversation.
type TranscriptFetcher interface {
	ConversationTranscript(ctx context.Context, conversationID string) (string, error)
}

// Summarizer condenses a transcript into a journal summary.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Service runs the post-call pipeline: fetch the transcript, summarize it,
// and append the result to the call journal.
type Service struct {
	transcripts TranscriptFetcher
	summarizer  Summarizer
	store       calllog.Store
}

func NewService(transcripts TranscriptFetcher, summarizer Summarizer, store calllog.Store) *Service {
	return &Service{
		transcripts: transcripts,
		summarizer:  summarizer,
		store:       store,
	}
}

func (s *Service) ProcessConversation(ctx context.Context, conversationID string) (calllog.Entry, error) {
	transcript, err := s.transcripts.ConversationTranscript(ctx, conversationID)
	if err != nil {
		return calllog.Entry{}, fmt.Errorf("fetch transcript: %w", err)
	}

	summary, err := s.summarizer.Summarize(ctx, transcript)
	if err != nil {
		return calllog.Entry{}, fmt.Errorf("summarize: %w", err)
	}

	entry, err := s.store.Append(ctx, calllog.Entry{
		ConversationID: conversationID,
		Transcript:     transcript,
		Summary:        summary,
	})
	if err != nil {
		return calllog.Entry{}, fmt.Errorf("persist entry: %w", err)
	}

	log.Printf("journal: saved entry %s for conversation %s", entry.ID, conversationID)
	return entry, nil
}

func (s *Service) RecentEntries(ctx context.Context, limit int) ([]calllog.Entry, error) {
	return s.store.Recent(ctx, limit)
}
