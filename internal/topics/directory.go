// Package topics is the read-only topic directory used for display metadata
package topics

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"peerpractice/pkg/interfaces"
	"peerpractice/pkg/types"
)

// DefaultTopics seeds the directory when no catalogue is configured
var DefaultTopics = []types.Topic{
	{ID: "Arrays", Title: "Arrays & Hashing"},
	{ID: "TwoPointers", Title: "Two Pointers"},
	{ID: "SlidingWindow", Title: "Sliding Window"},
	{ID: "Stack", Title: "Stack"},
	{ID: "BinarySearch", Title: "Binary Search"},
	{ID: "LinkedList", Title: "Linked List"},
	{ID: "Trees", Title: "Trees"},
	{ID: "Graphs", Title: "Graphs"},
	{ID: "DynamicProgramming", Title: "Dynamic Programming"},
	{ID: "SystemDesign", Title: "System Design"},
}

// Static is an in-memory directory
type Static struct {
	mu     sync.RWMutex
	topics map[string]types.Topic
}

var _ interfaces.TopicDirectory = (*Static)(nil)

func NewStatic(topics []types.Topic) *Static {
	s := &Static{topics: make(map[string]types.Topic, len(topics))}
	for _, t := range topics {
		s.topics[t.ID] = t
	}
	return s
}

func (s *Static) LookupTopic(ctx context.Context, topicID string) (*types.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.topics[topicID]
	if !ok {
		return nil, fmt.Errorf("%w: topic %s", interfaces.ErrNotFound, topicID)
	}
	return &t, nil
}

// ListTopics returns every topic ordered by ID
func (s *Static) ListTopics(ctx context.Context) ([]*types.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*types.Topic, 0, len(s.topics))
	for _, t := range s.topics {
		list = append(list, &t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}
