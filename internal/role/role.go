// Package role maps raw identity-provider role labels to capability classes.
package role

import "strings"

// Class is the capability class every gate switches on.
type Class int

const (
	Unclassified Class = iota
	Client
	Collaborator
	Admin
)

func (c Class) String() string {
	switch c {
	case Client:
		return "client"
	case Collaborator:
		return "collaborator"
	case Admin:
		return "admin"
	default:
		return "unclassified"
	}
}

// ParseClass accepts the String form of a class.
func ParseClass(s string) Class {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "client":
		return Client
	case "collaborator":
		return Collaborator
	case "admin":
		return Admin
	default:
		return Unclassified
	}
}

// Labels lists the raw labels that map to each class.
type Labels struct {
	Admin        []string `yaml:"admin" json:"admin"`
	Collaborator []string `yaml:"collaborator" json:"collaborator"`
	Client       []string `yaml:"client" json:"client"`
}

// DefaultLabels is used when the workspace config does not override the mapping.
func DefaultLabels() Labels {
	return Labels{
		Admin:        []string{"admin", "owner"},
		Collaborator: []string{"collaborator", "designer", "editor"},
		Client:       []string{"client"},
	}
}

// Classifier resolves label sets against a fixed mapping.
type Classifier struct {
	index map[string]Class
}

func NewClassifier(l Labels) Classifier {
	idx := map[string]Class{}
	add := func(labels []string, c Class) {
		for _, label := range labels {
			key := normalize(label)
			if key == "" {
				continue
			}
			if c > idx[key] {
				idx[key] = c
			}
		}
	}
	add(l.Client, Client)
	add(l.Collaborator, Collaborator)
	add(l.Admin, Admin)
	return Classifier{index: idx}
}

// Classify returns the highest class matched by any label.
// Admin wins over Collaborator, which wins over Client.
func (c Classifier) Classify(labels []string) Class {
	best := Unclassified
	for _, label := range labels {
		if got := c.index[normalize(label)]; got > best {
			best = got
		}
	}
	return best
}

var defaultClassifier = NewClassifier(DefaultLabels())

// Classify uses the default label mapping.
func Classify(labels []string) Class {
	return defaultClassifier.Classify(labels)
}

func normalize(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
