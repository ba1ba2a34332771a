package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

// Membership resolves the projects a user belongs to.
type Membership interface {
	ProjectIDs(ctx context.Context, userID string) ([]string, error)
}

// Storage wraps the Azure clients used by the gateway: the project membership
// table and the optional mutation queue.
type Storage struct {
	members *aztables.Client
	queue   *azqueue.QueueClient
}

// New creates a Storage from connection parameters. mutationsQueue may be
// empty when mutations are not delivered through a queue.
func New(connStr, membersTable, mutationsQueue string) (*Storage, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, err
	}
	s := &Storage{members: svc.NewClient(membersTable)}
	if mutationsQueue != "" {
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, mutationsQueue, nil)
		if err != nil {
			return nil, err
		}
		s.queue = q
	}
	return s, nil
}

// memberEntity is a membership row keyed by user (PartitionKey) and project
// (RowKey).
type memberEntity struct {
	aztables.Entity
	Role string `json:"Role,omitempty"`
}

// Provision creates the membership table and the mutation queue when they do
// not exist yet.
func (s *Storage) Provision(ctx context.Context) error {
	if _, err := s.members.CreateTable(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
			return err
		}
	}
	if s.queue == nil {
		return nil
	}
	if _, err := s.queue.Create(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
			return err
		}
	}
	return nil
}

// ProjectIDs lists the projects userID is a member of.
func (s *Storage) ProjectIDs(ctx context.Context, userID string) ([]string, error) {
	filter := "PartitionKey eq '" + escapeODataString(userID) + "'"
	pager := s.members.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	ids := []string{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent memberEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			ids = append(ids, ent.RowKey)
		}
	}
	return ids, nil
}

// AddMember records userID as a member of projectID.
func (s *Storage) AddMember(ctx context.Context, userID, projectID, role string) error {
	ent := memberEntity{Entity: aztables.Entity{PartitionKey: userID, RowKey: projectID}, Role: role}
	payload, err := json.Marshal(ent)
	if err == nil {
		_, err = s.members.UpsertEntity(ctx, payload, nil)
	}
	return err
}

// RemoveMember deletes the membership row; a missing row is not an error.
func (s *Storage) RemoveMember(ctx context.Context, userID, projectID string) error {
	et := azcore.ETagAny
	_, err := s.members.DeleteEntity(ctx, userID, projectID, &aztables.DeleteEntityOptions{IfMatch: &et})
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil
		}
	}
	return err
}

// Dequeue retrieves a single message from the mutation queue.
func (s *Storage) Dequeue(ctx context.Context) (*azqueue.DequeuedMessage, error) {
	if s.queue == nil {
		return nil, errors.New("mutation queue not configured")
	}
	resp, err := s.queue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	return resp.Messages[0], nil
}

// Delete removes a processed message from the mutation queue.
func (s *Storage) Delete(ctx context.Context, id, receipt string) error {
	if s.queue == nil {
		return errors.New("mutation queue not configured")
	}
	_, err := s.queue.DeleteMessage(ctx, id, receipt, nil)
	return err
}

func escapeODataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
