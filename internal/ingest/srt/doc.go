// Package srt receives raw H.264 Annex B over SRT, either as a listener
// accepting publishers (Server) or by dialing remote sources (Caller). Each
// connection becomes one ingest stream keyed by its SRT stream ID.
package srt
