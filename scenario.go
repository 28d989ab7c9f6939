/*
Copyright © 2026 sbrin
*/

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/samber/lo"
)

// Content-authoring errors. All of them are detected while loading the
// scenario and abort process startup; a half-valid graph never boots.
var (
	errScenarioInvalidJSON   = errors.New("SCENARIO_INVALID_JSON")
	errScenarioInvalid       = errors.New("SCENARIO_INVALID")
	errScenarioEmpty         = errors.New("SCENARIO_EMPTY")
	errScenarioDuplicateStep = errors.New("SCENARIO_DUPLICATE_STEP")
	errScenarioRootMissing   = errors.New("SCENARIO_ROOT_MISSING")
	errScenarioRootVideo     = errors.New("SCENARIO_ROOT_VIDEO_REQUIRED")
	errStepNotFound          = errors.New("STEP_NOT_FOUND")
	errVideoFileNotFound     = errors.New("VIDEO_FILE_NOT_FOUND")
	errVideoURLMissing       = errors.New("VIDEO_URL_MISSING")
	errInvalidChoice         = errors.New("INVALID_CHOICE")
)

const minIDLength = 8

// Choice is one outgoing edge of a step. Order is the authoring order;
// the slice index is the wire identifier for "which choice was picked".
type Choice struct {
	Text       string
	NextStepID string
}

// Step is the canonical node representation every accepted raw shape is
// normalized into before any session logic touches it. A step with zero
// choices is terminal.
type Step struct {
	ID          string
	Actor       ActorName
	Text        string
	Prev        []string
	Choices     []Choice
	VideoByRole map[Role]string
}

func (s *Step) Terminal() bool {
	return len(s.Choices) == 0
}

// rawChoices tolerates the two shapes choices were authored in: a JSON
// object mapping nextStepId to label (order preserved by walking tokens
// in document order, since Go maps would scramble it), or an array of
// {next, text} objects.
type rawChoices []Choice

func (c *rawChoices) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}

	switch delim, _ := tok.(json.Delim); delim {
	case '{':
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return err
			}
			key, _ := keyTok.(string)
			var text string
			if err := dec.Decode(&text); err != nil {
				return err
			}
			*c = append(*c, Choice{Text: text, NextStepID: key})
		}
		return nil
	case '[':
		var items []struct {
			Next string `json:"next"`
			ID   string `json:"id"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		for _, item := range items {
			next := item.Next
			if next == "" {
				next = item.ID
			}
			*c = append(*c, Choice{Text: item.Text, NextStepID: next})
		}
		return nil
	default:
		return fmt.Errorf("choices must be an object or an array")
	}
}

type rawActor struct {
	Name       string `json:"name"`
	AvatarPath string `json:"avatarPath"`
}

type rawNode struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"` // legacy shape marker, ignored after normalization
	Actor       rawActor          `json:"actor"`
	Text        string            `json:"text"`
	Prev        []string          `json:"prev"`
	Next        []string          `json:"next"` // legacy shape, superseded by choices
	Choices     rawChoices        `json:"choices"`
	VideoByRole map[string]string `json:"videoByRole"`
}

// shapeIssue records one schema violation with its structural path so a
// content author can locate it, e.g. "scenario[3].actor.name".
type shapeIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func validateNodeShape(path string, node rawNode) []shapeIssue {
	var issues []shapeIssue

	if len(node.ID) < minIDLength {
		issues = append(issues, shapeIssue{
			Path:    path + ".id",
			Message: fmt.Sprintf("step id must be at least %d characters", minIDLength),
		})
	}

	switch ActorName(node.Actor.Name) {
	case ActorHe, ActorShe:
	default:
		issues = append(issues, shapeIssue{
			Path:    path + ".actor.name",
			Message: fmt.Sprintf("unknown actor %q, expected %q or %q", node.Actor.Name, ActorHe, ActorShe),
		})
	}

	for i, choice := range node.Choices {
		if len(choice.NextStepID) < minIDLength {
			issues = append(issues, shapeIssue{
				Path:    fmt.Sprintf("%s.choices[%d]", path, i),
				Message: "next step reference must be at least 8 characters",
			})
		}
	}

	for key, videoID := range node.VideoByRole {
		if key != "male" && key != "female" {
			issues = append(issues, shapeIssue{
				Path:    path + ".videoByRole." + key,
				Message: "unknown video role key",
			})
		}
		if videoID == "" {
			issues = append(issues, shapeIssue{
				Path:    path + ".videoByRole." + key,
				Message: "video id must not be empty",
			})
		}
	}

	return issues
}

func normalizeNode(raw rawNode) *Step {
	step := &Step{
		ID:          raw.ID,
		Actor:       ActorName(raw.Actor.Name),
		Text:        raw.Text,
		Prev:        raw.Prev,
		Choices:     []Choice(raw.Choices),
		VideoByRole: map[Role]string{},
	}

	// Legacy "Text" nodes carried only a next list; they normalize to
	// unlabeled choices in the same order.
	if len(step.Choices) == 0 && len(raw.Next) > 0 {
		for _, next := range raw.Next {
			step.Choices = append(step.Choices, Choice{NextStepID: next})
		}
	}

	if v, ok := raw.VideoByRole["male"]; ok && v != "" {
		step.VideoByRole[RoleMale] = v
	}
	if v, ok := raw.VideoByRole["female"]; ok && v != "" {
		step.VideoByRole[RoleFemale] = v
	}

	return step
}

// Graph is the immutable, queryable scenario: load it once at boot, then
// only read from it.
type Graph struct {
	byID   map[string]*Step
	order  []string
	rootID string
}

func (g *Graph) RootStepID() string {
	return g.rootID
}

func (g *Graph) Step(id string) (*Step, error) {
	step, ok := g.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errStepNotFound, id)
	}
	return step, nil
}

// ResolveChoice maps a picked choice index on a step to the next step id
// and the label that was picked.
func (g *Graph) ResolveChoice(stepID string, choiceIndex int) (nextStepID, choiceText string, err error) {
	step, err := g.Step(stepID)
	if err != nil {
		return "", "", err
	}
	if choiceIndex < 0 || choiceIndex >= len(step.Choices) {
		return "", "", fmt.Errorf("%w: index %d on step %s", errInvalidChoice, choiceIndex, stepID)
	}
	choice := step.Choices[choiceIndex]
	return choice.NextStepID, choice.Text, nil
}

// videoFor resolves the clip a viewer sees on a step. The viewer is shown
// the OTHER actor's recording: the asset keyed by role R belongs to the
// participant whose role is NOT R. When the step has no asset for the
// viewer, the previously shown URL is reused so the video element never
// goes blank mid-dialog.
func (g *Graph) videoFor(step *Step, viewer Role, previousURL string) (string, error) {
	if videoID, ok := step.VideoByRole[viewer.Opposite()]; ok {
		return videoID + ".mp4", nil
	}
	if previousURL != "" {
		return previousURL, nil
	}
	return "", fmt.Errorf("%w: step %s has no video for role %s and no fallback", errVideoURLMissing, step.ID, viewer)
}

// PreloadVideoURLs lists, in choice order, the video a viewer would see on
// every distinct step reachable via one choice from stepID. Steps without
// a video for that viewer are skipped, and steps reachable through more
// than one choice contribute a single URL.
func (g *Graph) PreloadVideoURLs(stepID string, viewer Role) []string {
	step, err := g.Step(stepID)
	if err != nil {
		return nil
	}

	var urls []string
	seen := map[string]bool{}
	for _, choice := range step.Choices {
		if seen[choice.NextStepID] {
			continue
		}
		seen[choice.NextStepID] = true

		next, ok := g.byID[choice.NextStepID]
		if !ok {
			continue
		}
		if videoID, ok := next.VideoByRole[viewer.Opposite()]; ok {
			urls = append(urls, videoID+".mp4")
		}
	}
	return urls
}

// firstDocumentKey returns the first top-level key of a JSON object in
// document order.
func firstDocumentKey(raw []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return "", errors.New("document must be a JSON object")
	}
	keyTok, err := dec.Token()
	if err != nil {
		return "", err
	}
	key, _ := keyTok.(string)
	return key, nil
}

// loadScenario parses, normalizes and validates the authored scenario
// document against the media directory. Any failure rejects the whole
// load; there are no partial graphs.
func loadScenario(cfg *Config, scenarioPath, mediaDir string) (*Graph, error) {
	raw, err := os.ReadFile(scenarioPath)
	if err != nil {
		return nil, err
	}

	var document map[string]json.RawMessage
	if err := json.Unmarshal(raw, &document); err != nil {
		logf(cfg, "SCENARIO: invalid JSON in %s: %v", scenarioPath, err)
		return nil, fmt.Errorf("%w: %v", errScenarioInvalidJSON, err)
	}
	if len(document) == 0 {
		return nil, errScenarioEmpty
	}

	// The document maps scenario ids to node lists; the first entry in
	// document order wins. Map iteration would pick one at random, so the
	// key is re-read from the raw bytes.
	scenarioID, err := firstDocumentKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errScenarioInvalidJSON, err)
	}

	var nodes []rawNode
	if err := json.Unmarshal(document[scenarioID], &nodes); err != nil {
		logf(cfg, "SCENARIO: invalid node list in %s: %v", scenarioPath, err)
		return nil, fmt.Errorf("%w: %v", errScenarioInvalidJSON, err)
	}

	var issues []shapeIssue
	for i, node := range nodes {
		issues = append(issues, validateNodeShape(fmt.Sprintf("%s[%d]", scenarioID, i), node)...)
	}
	if len(issues) > 0 {
		detail, _ := json.Marshal(issues)
		logf(cfg, "SCENARIO: %d schema violation(s) in %s: %s", len(issues), scenarioPath, detail)
		return nil, fmt.Errorf("%w: %d schema violation(s), first at %s: %s",
			errScenarioInvalid, len(issues), issues[0].Path, issues[0].Message)
	}

	graph := &Graph{byID: make(map[string]*Step, len(nodes))}
	for _, raw := range nodes {
		step := normalizeNode(raw)
		if _, exists := graph.byID[step.ID]; exists {
			return nil, fmt.Errorf("%w: %s", errScenarioDuplicateStep, step.ID)
		}
		graph.byID[step.ID] = step
		graph.order = append(graph.order, step.ID)
	}

	// Referential integrity before root detection, so a dangling edge is
	// reported as what it is instead of surfacing as a root anomaly.
	incoming := map[string]int{}
	for _, id := range graph.order {
		for _, choice := range graph.byID[id].Choices {
			if _, ok := graph.byID[choice.NextStepID]; !ok {
				return nil, fmt.Errorf("%w: step %s references missing step %s", errStepNotFound, id, choice.NextStepID)
			}
			incoming[choice.NextStepID]++
		}
	}

	roots := lo.Filter(graph.order, func(id string, _ int) bool {
		return len(graph.byID[id].Prev) == 0 && incoming[id] == 0
	})
	if len(roots) != 1 {
		return nil, fmt.Errorf("%w: found %d root candidates", errScenarioRootMissing, len(roots))
	}
	graph.rootID = roots[0]

	root := graph.byID[graph.rootID]
	if root.VideoByRole[RoleMale] == "" || root.VideoByRole[RoleFemale] == "" {
		return nil, fmt.Errorf("%w: root step %s", errScenarioRootVideo, graph.rootID)
	}

	if err := verifyVideoFiles(graph, mediaDir); err != nil {
		return nil, err
	}

	logf(cfg, "SCENARIO: loaded %q with %d steps, root %s", scenarioID, len(graph.order), graph.rootID)

	return graph, nil
}

// verifyVideoFiles checks that every distinct video id referenced anywhere
// in the graph has a backing file, turning broken media references into
// boot failures instead of mid-session surprises.
func verifyVideoFiles(graph *Graph, mediaDir string) error {
	var videoIDs []string
	for _, id := range graph.order {
		for _, videoID := range graph.byID[id].VideoByRole {
			videoIDs = append(videoIDs, videoID)
		}
	}

	for _, videoID := range lo.Uniq(videoIDs) {
		videoPath := filepath.Join(mediaDir, videoID+".mp4")
		if _, err := os.Stat(videoPath); err != nil {
			return fmt.Errorf("%w: %s", errVideoFileNotFound, videoPath)
		}
	}
	return nil
}
