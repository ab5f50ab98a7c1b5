// Package playlist keeps an ordered list of library tracks with a current
// position and plays it through the engine, advancing when a track ends.
package playlist
