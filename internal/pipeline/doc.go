// Package pipeline implements the three-stage alert analysis pipeline:
// triage (classify one raw alert), correlation (bundle related recent
// triages with a risk score), and hypothesis (maintain the living case).
// The Service sequences the stages per alert, enforces per-stage token and
// time budgets, and persists every stage's output independently of whether
// downstream stages run.
package pipeline
