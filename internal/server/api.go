package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quizchain/quizchain/internal/coordinator"
	"github.com/quizchain/quizchain/internal/domain"
	"github.com/quizchain/quizchain/internal/errors"
)

// API is the HTTP command surface over the coordinator. Event delivery to
// clients happens over the websocket hub; these endpoints only issue commands
// and read state.
type API struct {
	games *coordinator.Service
	hub   *Hub
}

func NewAPI(games *coordinator.Service, hub *Hub) *API {
	return &API{games: games, hub: hub}
}

func (a *API) Register(r gin.IRouter) {
	v1 := r.Group("/v1")

	v1.POST("/games", a.createGame)
	v1.POST("/games/join", a.joinGame)
	v1.POST("/games/:id/start", a.startGame)
	v1.GET("/games/:id/started", a.waitForStart)
	v1.POST("/games/:id/end", a.endGame)
	v1.POST("/games/:id/abort", a.abortGame)
	v1.GET("/games/:id/winner", a.winner)
	v1.GET("/games/:id/events", a.events)

	v1.POST("/games/:id/players/:address/answers", a.submitAnswer)
	v1.POST("/games/:id/players/:address/revisit", a.revisit)
	v1.POST("/games/:id/players/:address/settle", a.settle)
	v1.GET("/games/:id/players/:address/state", a.state)
	v1.GET("/games/:id/players/:address/score", a.playerScore)
	v1.DELETE("/games/:id/players/:address", a.leave)
}

type createGameRequest struct {
	HostID              string `json:"host_id" binding:"required"`
	MaxPlayers          int    `json:"max_players"`
	QuestionDurationSec int    `json:"question_duration_sec"`
}

type createGameResponse struct {
	SessionID string `json:"session_id"`
	RoomCode  string `json:"room_code"`
}

func (a *API) createGame(c *gin.Context) {
	var req createGameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	session, err := a.games.CreateGame(c.Request.Context(), req.HostID, req.MaxPlayers,
		time.Duration(req.QuestionDurationSec)*time.Second)
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusCreated, createGameResponse{
		SessionID: session.ID,
		RoomCode:  session.RoomCode,
	})
}

type joinGameRequest struct {
	RoomCode    string `json:"room_code" binding:"required"`
	Address     string `json:"address" binding:"required"`
	DisplayName string `json:"display_name"`
	IsHost      bool   `json:"is_host"`
}

type joinGameResponse struct {
	SessionID string `json:"session_id"`
}

func (a *API) joinGame(c *gin.Context) {
	var req joinGameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	m, err := a.games.JoinGame(c.Request.Context(), req.RoomCode, domain.Participant{
		Address:     req.Address,
		DisplayName: req.DisplayName,
		IsHost:      req.IsHost,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, joinGameResponse{SessionID: m.SessionID()})
}

type startGameRequest struct {
	Questions []domain.Question `json:"questions" binding:"required"`
}

func (a *API) startGame(c *gin.Context) {
	var req startGameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	if err := a.games.StartGame(c.Request.Context(), c.Param("id"), req.Questions); err != nil {
		abortError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// waitForStart long-polls until the session starts, observed over any channel
// with the ledger as the fallback of record.
func (a *API) waitForStart(c *gin.Context) {
	started, err := a.games.WaitForStart(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, started)
}

func (a *API) endGame(c *gin.Context) {
	if err := a.games.EndGame(c.Request.Context(), c.Param("id")); err != nil {
		abortError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (a *API) abortGame(c *gin.Context) {
	a.games.AbortGame(c.Request.Context(), c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (a *API) winner(c *gin.Context) {
	w, err := a.games.Winner(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, w)
}

// events upgrades to a websocket streaming the session's deduplicated events.
// The upgrader writes its own error response on a failed handshake.
func (a *API) events(c *gin.Context) {
	_ = a.hub.Serve(c.Writer, c.Request, c.Param("id"))
}

type submitAnswerRequest struct {
	SelectedIndex int `json:"selected_index"`
}

func (a *API) submitAnswer(c *gin.Context) {
	var req submitAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	err := a.games.SubmitAnswer(c.Request.Context(), c.Param("id"), c.Param("address"), req.SelectedIndex)
	if err != nil {
		abortError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type revisitRequest struct {
	QuestionIndex int   `json:"question_index"`
	SelectedIndex int   `json:"selected_index"`
	ElapsedMs     int64 `json:"elapsed_ms"`
}

func (a *API) revisit(c *gin.Context) {
	var req revisitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	err := a.games.Revisit(c.Request.Context(), c.Param("id"), c.Param("address"),
		req.QuestionIndex, req.SelectedIndex, req.ElapsedMs)
	if err != nil {
		abortError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type settleResponse struct {
	TotalScore     int64  `json:"total_score"`
	CorrectCount   int    `json:"correct_count"`
	SettlementRef  string `json:"settlement_ref"`
	AlreadySettled bool   `json:"already_settled"`
}

func (a *API) settle(c *gin.Context) {
	res, err := a.games.Settle(c.Request.Context(), c.Param("id"), c.Param("address"))
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, settleResponse{
		TotalScore:     res.Batch.TotalScore,
		CorrectCount:   res.Batch.CorrectCount,
		SettlementRef:  res.Batch.SettlementRef,
		AlreadySettled: res.AlreadySettled,
	})
}

type answerView struct {
	QuestionIndex int   `json:"question_index"`
	SelectedIndex int   `json:"selected_index"`
	IsCorrect     bool  `json:"is_correct"`
	PointsEarned  int64 `json:"points_earned"`
	TimeTakenMs   int64 `json:"time_taken_ms"`
	TimedOut      bool  `json:"timed_out"`
}

type stateResponse struct {
	Phase         domain.Status `json:"phase"`
	QuestionIndex int           `json:"question_index"`
	Answers       []answerView  `json:"answers"`
}

func (a *API) state(c *gin.Context) {
	m, err := a.games.Machine(c.Param("id"), c.Param("address"))
	if err != nil {
		abortError(c, err)
		return
	}

	records := m.Records()
	answers := make([]answerView, 0, len(records))
	for _, r := range records {
		answers = append(answers, answerView{
			QuestionIndex: r.QuestionIndex,
			SelectedIndex: r.SelectedIndex,
			IsCorrect:     r.IsCorrect,
			PointsEarned:  r.PointsEarned,
			TimeTakenMs:   r.TimeTakenMs,
			TimedOut:      r.TimedOut(),
		})
	}

	c.JSON(http.StatusOK, stateResponse{
		Phase:         m.Phase(),
		QuestionIndex: m.QuestionIndex(),
		Answers:       answers,
	})
}

func (a *API) playerScore(c *gin.Context) {
	score, err := a.games.PlayerScore(c.Request.Context(), c.Param("id"), c.Param("address"))
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"score": score})
}

func (a *API) leave(c *gin.Context) {
	a.games.Leave(c.Request.Context(), c.Param("id"), c.Param("address"))
	c.Status(http.StatusNoContent)
}

func abortError(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}
