package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/thefeshin/hush/pkg/database"
	"github.com/thefeshin/hush/pkg/protocol"
)

// Key envelopes are tiny (a wrapped symmetric key); anything bigger is abuse
const maxKeyEnvelopeBytes = 8 * 1024

type keyEnvelopeRequest struct {
	UserID       string `json:"user_id"`
	EncryptedKey string `json:"encrypted_key"` // base64
}

type createGroupRequest struct {
	Name         string               `json:"name"`
	MemberIDs    []string             `json:"member_ids"`
	KeyEnvelopes []keyEnvelopeRequest `json:"key_envelopes"`
}

type memberChangeRequest struct {
	UserID       string               `json:"user_id,omitempty"`
	KeyEnvelopes []keyEnvelopeRequest `json:"key_envelopes"`
}

type groupStateResponse struct {
	ID            string                `json:"id"`
	Name          string                `json:"name"`
	CreatedBy     string                `json:"created_by"`
	KeyEpoch      int64                 `json:"key_epoch"`
	Members       []groupMemberResponse `json:"members"`
	MyKeyEnvelope *string               `json:"my_key_envelope,omitempty"` // base64
}

type groupMemberResponse struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	JoinedAt int64  `json:"joined_at"`
}

func decodeEnvelopes(reqs []keyEnvelopeRequest) ([]database.KeyEnvelope, error) {
	envelopes := make([]database.KeyEnvelope, 0, len(reqs))
	for _, req := range reqs {
		if uuid.Validate(req.UserID) != nil {
			return nil, errors.New("envelope user_id must be a UUID")
		}
		blob, err := protocol.DecodeBase64Field(req.EncryptedKey, maxKeyEnvelopeBytes)
		if err != nil || len(blob) == 0 {
			return nil, errors.New("encrypted_key must be non-empty base64")
		}
		envelopes = append(envelopes, database.KeyEnvelope{UserID: req.UserID, EncryptedKeyBlob: blob})
	}
	return envelopes, nil
}

// handleCreateGroup creates a group conversation at epoch 1 with the
// caller as owner
func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || len(req.Name) > 128 {
		writeJSONError(w, http.StatusBadRequest, "name must be 1-128 characters")
		return
	}
	for _, memberID := range req.MemberIDs {
		if uuid.Validate(memberID) != nil {
			writeJSONError(w, http.StatusBadRequest, "member ids must be UUIDs")
			return
		}
	}
	envelopes, err := decodeEnvelopes(req.KeyEnvelopes)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	state, err := s.db.CreateGroup(userID, req.Name, req.MemberIDs, envelopes)
	if err != nil {
		errorLog.Printf("Group creation failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "group creation failed")
		return
	}

	s.notifyGroupMembers(state.ID, &protocol.GroupEvent{
		Type:           protocol.TypeGroupCreated,
		ConversationID: state.ID,
		GroupName:      &state.Name,
		KeyEpoch:       state.KeyEpoch,
	})
	writeJSON(w, http.StatusCreated, groupStateToResponse(state))
}

// handleGroupState returns the member list, current epoch and the
// caller's key envelope for that epoch
func (s *Server) handleGroupState(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	groupID := r.PathValue("id")
	if uuid.Validate(groupID) != nil {
		writeJSONError(w, http.StatusBadRequest, "group id must be a UUID")
		return
	}

	if _, err := s.db.GetGroupRole(groupID, userID); err != nil {
		// Non-members get 404, not 403: group existence is not disclosed
		writeJSONError(w, http.StatusNotFound, "group not found")
		return
	}

	state, err := s.db.GetGroupState(groupID, userID)
	if err != nil {
		if errors.Is(err, database.ErrGroupNotFound) {
			writeJSONError(w, http.StatusNotFound, "group not found")
			return
		}
		errorLog.Printf("Group state query failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "group state query failed")
		return
	}
	writeJSON(w, http.StatusOK, groupStateToResponse(state))
}

// handleAddGroupMember adds a member and rotates the group key epoch
func (s *Server) handleAddGroupMember(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	groupID := r.PathValue("id")
	if uuid.Validate(groupID) != nil {
		writeJSONError(w, http.StatusBadRequest, "group id must be a UUID")
		return
	}

	var req memberChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if uuid.Validate(req.UserID) != nil {
		writeJSONError(w, http.StatusBadRequest, "user_id must be a UUID")
		return
	}
	envelopes, err := decodeEnvelopes(req.KeyEnvelopes)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	role, err := s.db.GetGroupRole(groupID, userID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "group not found")
		return
	}
	if role != "owner" && role != "admin" {
		writeJSONError(w, http.StatusForbidden, "only owners and admins can add members")
		return
	}

	epoch, err := s.db.AddGroupMember(groupID, req.UserID, envelopes)
	if err != nil {
		if errors.Is(err, database.ErrGroupNotFound) {
			writeJSONError(w, http.StatusNotFound, "group not found")
			return
		}
		errorLog.Printf("Member add failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "member add failed")
		return
	}

	s.notifyGroupMembers(groupID, &protocol.GroupEvent{
		Type:           protocol.TypeGroupMemberAdded,
		ConversationID: groupID,
		UserID:         &req.UserID,
		KeyEpoch:       epoch,
	})
	writeJSON(w, http.StatusOK, map[string]int64{"key_epoch": epoch})
}

// handleRemoveGroupMember removes a member (admins) or lets one leave
// (self), rotating the epoch so the departed member can't read on
func (s *Server) handleRemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	groupID := r.PathValue("id")
	targetID := r.PathValue("uid")
	if uuid.Validate(groupID) != nil || uuid.Validate(targetID) != nil {
		writeJSONError(w, http.StatusBadRequest, "ids must be UUIDs")
		return
	}

	var req memberChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	envelopes, err := decodeEnvelopes(req.KeyEnvelopes)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	role, err := s.db.GetGroupRole(groupID, userID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "group not found")
		return
	}
	if targetID != userID && role != "owner" && role != "admin" {
		writeJSONError(w, http.StatusForbidden, "only owners and admins can remove members")
		return
	}

	epoch, err := s.db.RemoveGroupMember(groupID, targetID, envelopes)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrLastOwner):
			writeJSONError(w, http.StatusConflict, "cannot remove the last group owner")
		case errors.Is(err, database.ErrNotParticipant):
			writeJSONError(w, http.StatusNotFound, "member not found")
		case errors.Is(err, database.ErrGroupNotFound):
			writeJSONError(w, http.StatusNotFound, "group not found")
		default:
			errorLog.Printf("Member removal failed: %v", err)
			writeJSONError(w, http.StatusInternalServerError, "member removal failed")
		}
		return
	}

	event := &protocol.GroupEvent{
		Type:           protocol.TypeGroupMemberRemoved,
		ConversationID: groupID,
		UserID:         &targetID,
		KeyEpoch:       epoch,
	}
	s.notifyGroupMembers(groupID, event)
	// The removed member learns they are out too
	s.registry.SendToUser(targetID, event)
	writeJSON(w, http.StatusOK, map[string]int64{"key_epoch": epoch})
}

// handleSetGroupMemberRole lets an owner promote or demote a member.
// Role changes rotate the key epoch like any other membership update,
// so the request carries fresh envelopes.
func (s *Server) handleSetGroupMemberRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	groupID := r.PathValue("id")
	targetID := r.PathValue("uid")
	if uuid.Validate(groupID) != nil || uuid.Validate(targetID) != nil {
		writeJSONError(w, http.StatusBadRequest, "ids must be UUIDs")
		return
	}

	var req struct {
		Role         string               `json:"role"`
		KeyEnvelopes []keyEnvelopeRequest `json:"key_envelopes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Role != "owner" && req.Role != "admin" && req.Role != "member" {
		writeJSONError(w, http.StatusBadRequest, "role must be owner, admin or member")
		return
	}
	envelopes, err := decodeEnvelopes(req.KeyEnvelopes)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	role, err := s.db.GetGroupRole(groupID, userID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "group not found")
		return
	}
	if role != "owner" {
		writeJSONError(w, http.StatusForbidden, "only owners can change roles")
		return
	}

	epoch, err := s.db.SetGroupMemberRole(groupID, targetID, req.Role, envelopes)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrLastOwner):
			writeJSONError(w, http.StatusConflict, "cannot demote the last group owner")
		case errors.Is(err, database.ErrNotParticipant):
			writeJSONError(w, http.StatusNotFound, "member not found")
		case errors.Is(err, database.ErrGroupNotFound):
			writeJSONError(w, http.StatusNotFound, "group not found")
		default:
			errorLog.Printf("Role change failed: %v", err)
			writeJSONError(w, http.StatusInternalServerError, "role change failed")
		}
		return
	}

	s.notifyGroupMembers(groupID, &protocol.GroupEvent{
		Type:           protocol.TypeGroupRoleChanged,
		ConversationID: groupID,
		UserID:         &targetID,
		Role:           &req.Role,
		KeyEpoch:       epoch,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"role": req.Role, "key_epoch": epoch})
}

// notifyGroupMembers pushes a group event to every current member's live
// connections, subscribed or not (membership changes matter even to
// devices that haven't subscribed yet)
func (s *Server) notifyGroupMembers(groupID string, event *protocol.GroupEvent) {
	members, err := s.db.ListParticipants(groupID)
	if err != nil {
		errorLog.Printf("Failed to list group members for notify: %v", err)
		return
	}
	for _, memberID := range members {
		s.registry.SendToUser(memberID, event)
	}
}

func groupStateToResponse(state *database.GroupState) groupStateResponse {
	resp := groupStateResponse{
		ID:        state.ID,
		Name:      state.Name,
		CreatedBy: state.CreatedBy,
		KeyEpoch:  state.KeyEpoch,
		Members:   make([]groupMemberResponse, 0, len(state.Members)),
	}
	for _, m := range state.Members {
		resp.Members = append(resp.Members, groupMemberResponse{
			UserID:   m.UserID,
			Role:     m.Role,
			JoinedAt: m.JoinedAt,
		})
	}
	if len(state.MyKeyEnvelope) > 0 {
		encoded := base64.StdEncoding.EncodeToString(state.MyKeyEnvelope)
		resp.MyKeyEnvelope = &encoded
	}
	return resp
}
