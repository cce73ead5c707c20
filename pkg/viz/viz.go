// Package viz renders the change history of a canvas document as a graph.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/Jeff-Emmett/rspace-online/pkg/canvas"
)

// Label describes one change: short hash, actor@seq, commit message and the number of
// shapes on the canvas as of that change.
func Label(doc *automerge.Doc, change *automerge.Change) (string, error) {
	docAt, err := doc.Fork(change.Hash())
	if err != nil {
		return "", fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
	}
	shapes, err := canvas.ReadShapes(docAt)
	if err != nil {
		return "", fmt.Errorf("failed to read shapes at %s: %w", change.Hash(), err)
	}
	label := fmt.Sprintf("%s %s@%d shapes=%d", change.Hash().String()[:8], change.ActorID(), change.ActorSeq(), len(shapes))
	if msg := change.Message(); msg != "" {
		label += " " + strconv.Quote(msg)
	}
	return label, nil
}

// RenderHistory writes the change DAG of doc as SVG, one node per change and an edge
// from every dependency to its dependant.
func RenderHistory(doc *automerge.Doc, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodes := make(map[string]*cgraph.Node, len(changes))
	edges := 0
	for _, change := range changes {
		label, err := Label(doc, change)
		if err != nil {
			return err
		}
		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(label)
		nodes[change.Hash().String()] = n

		for _, dep := range change.Dependencies() {
			parent, ok := nodes[dep.String()]
			if !ok {
				continue
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, graphviz.SVG, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

func RenderToFile(doc *automerge.Doc, outputPath string) error {
	var buff bytes.Buffer
	if err := RenderHistory(doc, &buff); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}
