package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Control-plane surface: thin request/response wrappers over the token
// issuer and the SFU collaborator. Client input errors are 4xx, collaborator
// failures 5xx, always shaped {error: string}.

type createConsultationRequest struct {
	ConsultationID string `json:"consultationId"`
	PatientID      string `json:"patientId"`
	DoctorID       string `json:"doctorId"`
}

func (s *Server) handleCreateConsultation(c *gin.Context) {
	var req createConsultationRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ConsultationID == "" || req.PatientID == "" || req.DoctorID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Missing required fields: consultationId, patientId, doctorId",
		})
		return
	}

	s.log.Info().Str("consultation", req.ConsultationID).Msg("creating consultation room")

	room, err := s.issuer.CreateConsultationRoom(c.Request.Context(), req.ConsultationID, req.PatientID, req.DoctorID)
	if err != nil {
		s.log.Error().Err(err).Str("consultation", req.ConsultationID).Msg("consultation create failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create consultation room"})
		return
	}

	c.JSON(http.StatusOK, room)
}

type startRecordingRequest struct {
	RoomName string `json:"roomName"`
}

func (s *Server) handleStartRecording(c *gin.Context) {
	consultationID := c.Param("id")

	var req startRecordingRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RoomName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing roomName"})
		return
	}

	status, err := s.issuer.StartRecording(c.Request.Context(), req.RoomName, consultationID)
	if err != nil {
		s.log.Error().Err(err).Str("room", req.RoomName).Msg("recording start failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start recording"})
		return
	}

	c.JSON(http.StatusOK, status)
}

type stopRecordingRequest struct {
	EgressID string `json:"egressId"`
}

func (s *Server) handleStopRecording(c *gin.Context) {
	var req stopRecordingRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.EgressID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing egressId"})
		return
	}

	if err := s.issuer.StopRecording(c.Request.Context(), req.EgressID); err != nil {
		s.log.Error().Err(err).Str("egress", req.EgressID).Msg("recording stop failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to stop recording"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Recording stopped"})
}

func (s *Server) handleActiveRooms(c *gin.Context) {
	rooms, err := s.issuer.ListActiveRooms(c.Request.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("room list failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list rooms"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (s *Server) handleRoomStats(c *gin.Context) {
	roomName := c.Param("name")

	participants, err := s.issuer.RoomParticipants(c.Request.Context(), roomName)
	if err != nil {
		s.log.Error().Err(err).Str("room", roomName).Msg("room stats failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get room stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"roomName":          roomName,
		"totalParticipants": len(participants),
		"participants":      participants,
	})
}

func (s *Server) handleDisconnectParticipant(c *gin.Context) {
	roomName := c.Param("name")
	identity := c.Param("identity")

	if err := s.issuer.DisconnectParticipant(c.Request.Context(), roomName, identity); err != nil {
		s.log.Error().Err(err).Str("room", roomName).Str("identity", identity).Msg("disconnect failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to disconnect participant"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Participant disconnected"})
}
